package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/internal/runtime/metadata"
)

// Sink receives normalized records. Emit is called once per delivery; a
// returned error means the record was not accepted.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Emit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Encoding selects the payload format of records published by PublisherSink.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ParseEncoding maps a configuration value onto an Encoding. Empty means JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingProtobuf:
		return EncodingProtobuf, nil
	default:
		return "", fmt.Errorf("unsupported sink encoding %q", s)
	}
}

// PublisherSink publishes records to a Watermill topic.
type PublisherSink struct {
	publisher message.Publisher
	topic     string
	encoding  Encoding
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(publisher message.Publisher, topic string, encoding Encoding) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if encoding == "" {
		encoding = EncodingJSON
	}
	return &PublisherSink{publisher: publisher, topic: topic, encoding: encoding}, nil
}

// Emit encodes rec and publishes it with the broker attributes as metadata.
func (s *PublisherSink) Emit(ctx context.Context, rec Record) error {
	msg, err := NewMessageFromRecord(rec, s.encoding)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (s *PublisherSink) Close() error {
	return s.publisher.Close()
}

// NewMessageFromRecord builds the Watermill message for rec.
func NewMessageFromRecord(rec Record, encoding Encoding) (*message.Message, error) {
	payload, err := EncodeRecord(rec, encoding)
	if err != nil {
		return nil, err
	}
	md := metadata.New(
		metadata.KeyMessageID, rec.MessageID,
		metadata.KeySequenceNumber, rec.SequenceNumber,
		metadata.KeyDeliveryCount, strconv.FormatUint(uint64(rec.DeliveryCount), 10),
		metadata.KeyTarget, rec.Target,
		metadata.KeyEncoding, string(encoding),
	).
		With(metadata.KeySessionID, rec.SessionID).
		With(metadata.KeyContentType, rec.ContentType).
		With(metadata.KeyCorrelationID, rec.CorrelationID).
		With(metadata.KeyEnqueuedAt, metadata.Stringify(rec.EnqueuedTime)).
		WithProperties(rec.ApplicationProperties)

	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata = md.ToWatermill()
	return msg, nil
}

// EncodeRecord renders rec as JSON, or as a protobuf Struct holding the same
// fields.
func EncodeRecord(rec Record, encoding Encoding) ([]byte, error) {
	data, err := jsoncodec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	switch encoding {
	case "", EncodingJSON:
		return data, nil
	case EncodingProtobuf:
		var fields map[string]any
		if err := jsoncodec.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to convert record: %w", err)
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to convert record: %w", err)
		}
		return proto.Marshal(st)
	default:
		return nil, fmt.Errorf("unsupported sink encoding %q", encoding)
	}
}

// DecodeRecord parses a payload produced by EncodeRecord.
func DecodeRecord(payload []byte, encoding Encoding) (Record, error) {
	var rec Record
	data := payload
	if encoding == EncodingProtobuf {
		var st structpb.Struct
		if err := proto.Unmarshal(payload, &st); err != nil {
			return rec, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		raw, err := st.MarshalJSON()
		if err != nil {
			return rec, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		data = raw
	}
	if err := jsoncodec.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}
