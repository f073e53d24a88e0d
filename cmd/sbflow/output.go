package main

import (
	"io"

	"github.com/drblury/sbflow"
)

// writeJSON writes v as one JSON line.
func writeJSON(w io.Writer, v any) error {
	return sbflow.Encode(w, v)
}
