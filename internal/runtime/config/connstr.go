package config

import (
	"errors"
	"fmt"
	"strings"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
)

// PlaceholderMarker marks a credential value the host never resolved.
const PlaceholderMarker = "_BLANK_VALUE_"

// ConnectionString holds the fields of a Service Bus connection string.
type ConnectionString struct {
	Endpoint              string
	SharedAccessKeyName   string
	SharedAccessKey       string
	SharedAccessSignature string
	EntityPath            string
}

// Namespace returns the fully qualified namespace host of the endpoint.
func (c ConnectionString) Namespace() string {
	ns := strings.TrimPrefix(c.Endpoint, "sb://")
	ns = strings.TrimPrefix(ns, "amqps://")
	ns = strings.TrimPrefix(ns, "https://")
	return strings.TrimSuffix(ns, "/")
}

// HasPlaceholder reports whether s contains the unresolved placeholder marker.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, PlaceholderMarker)
}

// ParseConnectionString splits a Key=Value;... connection string. Keys are
// case-insensitive. Missing endpoint or credentials, and any value holding
// the placeholder marker, are configuration errors.
func ParseConnectionString(raw string) (ConnectionString, error) {
	var cs ConnectionString
	if strings.TrimSpace(raw) == "" {
		return cs, errspkg.New(errspkg.ErrConfiguration, "Invalid connection string", errors.New("connection string is empty"))
	}
	if HasPlaceholder(raw) {
		return cs, errspkg.New(errspkg.ErrConfiguration, "Invalid connection string", errors.New("connection string contains an unresolved placeholder value"))
	}

	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, errspkg.New(errspkg.ErrConfiguration, "Invalid connection string", fmt.Errorf("segment %q is not Key=Value", redactSegment(part)))
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			cs.Endpoint = value
		case "sharedaccesskeyname":
			cs.SharedAccessKeyName = value
		case "sharedaccesskey":
			cs.SharedAccessKey = value
		case "sharedaccesssignature":
			cs.SharedAccessSignature = value
		case "entitypath":
			cs.EntityPath = value
		}
	}

	var errs []error
	if cs.Endpoint == "" {
		errs = append(errs, errors.New("Endpoint is required"))
	}
	if cs.SharedAccessSignature == "" {
		if cs.SharedAccessKeyName == "" {
			errs = append(errs, errors.New("SharedAccessKeyName is required"))
		}
		if cs.SharedAccessKey == "" {
			errs = append(errs, errors.New("SharedAccessKey is required"))
		}
	}
	if len(errs) > 0 {
		return ConnectionString{}, errspkg.New(errspkg.ErrConfiguration, "Invalid connection string", errors.Join(errs...))
	}
	return cs, nil
}

// RedactConnectionString masks the key and signature values.
func RedactConnectionString(raw string) string {
	parts := strings.Split(raw, ";")
	for i, part := range parts {
		parts[i] = redactSegment(part)
	}
	return strings.Join(parts, ";")
}

func redactSegment(part string) string {
	key, _, ok := strings.Cut(part, "=")
	if !ok {
		return part
	}
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "sharedaccesskey", "sharedaccesssignature":
		return key + "=***REDACTED***"
	}
	return part
}

func validJSON(s string) bool {
	return jsoncodec.Valid([]byte(s))
}
