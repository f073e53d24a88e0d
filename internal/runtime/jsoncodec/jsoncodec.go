// Package jsoncodec is the single JSON implementation used by the engine: body
// normalization, session state, and sink record encoding all go through it.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var std = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON document.
func Valid(data []byte) bool {
	return std.Valid(data)
}

// DecodeValue parses data into the generic representation: maps, slices,
// float64 numbers, strings, booleans, or nil.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := std.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}
