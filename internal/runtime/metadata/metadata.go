// Package metadata converts record attributes into the string headers carried by
// sink messages.
package metadata

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
)

// Header keys set on every message published to a sink.
const (
	KeyMessageID      = "sb_message_id"
	KeySessionID      = "sb_session_id"
	KeySequenceNumber = "sb_sequence_number"
	KeyDeliveryCount  = "sb_delivery_count"
	KeyContentType    = "sb_content_type"
	KeyEnqueuedAt     = "sb_enqueued_at"
	KeyTarget         = "sb_target"
	KeyCorrelationID  = "correlation_id"
	KeyEncoding       = "sbflow_encoding"
	PropertyPrefix    = "sb_prop_"
)

// Metadata represents the headers carried alongside a record.
type Metadata map[string]string

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// With returns a copy containing key=value. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := make(Metadata, len(m)+1)
	for k, v := range m {
		cloned[k] = v
	}
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithProperties returns a copy extended with broker application properties,
// each under PropertyPrefix.
func (m Metadata) WithProperties(props map[string]any) Metadata {
	cloned := make(Metadata, len(m)+len(props))
	for k, v := range m {
		cloned[k] = v
	}
	for k, v := range props {
		cloned[PropertyPrefix+k] = Stringify(v)
	}
	return cloned
}

// ToWatermill converts the metadata into a Watermill map.
func (m Metadata) ToWatermill() message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}

// Stringify renders an application property value as a header string. Scalars
// use their natural text form; composite values are JSON encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	default:
		data, err := jsoncodec.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
