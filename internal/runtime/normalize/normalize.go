// Package normalize turns raw broker payloads into the canonical values handed
// to the sink: binary becomes UTF-8 text, text that looks like a JSON object is
// parsed, and everything else passes through untouched.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
)

// Body returns the canonical form of a delivered body. It never fails: a
// string that does not parse as JSON is returned as is.
func Body(raw any) any {
	switch v := raw.(type) {
	case []byte:
		return Text(decodeUTF8(v))
	case json.RawMessage:
		return Text(decodeUTF8(v))
	case [][]byte:
		return Text(decodeUTF8(bytes.Join(v, nil)))
	case string:
		return Text(v)
	default:
		return raw
	}
}

// Text applies the JSON coercion rule to an already decoded string.
func Text(s string) any {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return s
	}
	parsed, err := jsoncodec.DecodeValue([]byte(s))
	if err != nil {
		return s
	}
	return parsed
}

// AsText renders a canonical value back to text: strings as is, everything else
// JSON encoded. Body(AsText(v)) is stable for canonical v.
func AsText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
