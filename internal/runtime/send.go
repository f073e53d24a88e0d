package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	idspkg "github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/sbflow"

// ContentTypeJSON is set on bodies the service encodes itself.
const ContentTypeJSON = "application/json"

// OutboundMessage is a message handed to Service.Send. String and byte slice
// bodies are sent as is; any other value is JSON encoded.
type OutboundMessage struct {
	Body any
	// ContentType overrides the content type. JSON encoded bodies default to
	// application/json.
	ContentType string
	// MessageID defaults to a new ULID.
	MessageID             string
	SessionID             string
	CorrelationID         string
	Subject               string
	ApplicationProperties map[string]any
	TimeToLive            time.Duration
	ScheduledEnqueueTime  time.Time
}

// NewBrokerMessage converts m into the message handed to a broker sender.
func NewBrokerMessage(m OutboundMessage) (*broker.OutboundMessage, error) {
	out := &broker.OutboundMessage{
		ContentType:           m.ContentType,
		MessageID:             m.MessageID,
		SessionID:             m.SessionID,
		CorrelationID:         m.CorrelationID,
		Subject:               m.Subject,
		ApplicationProperties: m.ApplicationProperties,
		TimeToLive:            m.TimeToLive,
		ScheduledEnqueueTime:  m.ScheduledEnqueueTime,
	}
	switch body := m.Body.(type) {
	case nil:
	case string:
		out.Body = []byte(body)
	case []byte:
		out.Body = body
	case json.RawMessage:
		out.Body = body
		if out.ContentType == "" {
			out.ContentType = ContentTypeJSON
		}
	default:
		payload, err := jsoncodec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message body: %w", err)
		}
		out.Body = payload
		if out.ContentType == "" {
			out.ContentType = ContentTypeJSON
		}
	}
	if out.MessageID == "" {
		out.MessageID = idspkg.New()
	}
	return out, nil
}

// Send delivers msgs to a queue or topic and returns their message ids. The
// connection is dialed on first use, so Send works without Start. Senders are
// cached per entity and closed with the service.
func (s *Service) Send(ctx context.Context, entity string, msgs ...OutboundMessage) ([]string, error) {
	if entity == "" {
		return nil, errspkg.ErrEntityRequired
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]*broker.OutboundMessage, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		bm, err := NewBrokerMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
		ids = append(ids, bm.MessageID)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "SendMessages", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("servicebus.entity", entity),
		attribute.Int("servicebus.message_count", len(out)),
	)

	snd, err := s.sender(ctx, entity)
	if err == nil {
		err = snd.Send(ctx, out...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		if errspkg.KindOf(err) == nil && !errors.Is(err, errspkg.ErrEntityRequired) {
			err = errspkg.New(errspkg.ErrTransport, "Failed to send to "+entity, err)
		}
		return nil, err
	}
	s.Logger.Debug("Messages sent", loggingpkg.LogFields{"entity": entity, "count": len(out)})
	return ids, nil
}

func (s *Service) sender(ctx context.Context, entity string) (broker.Sender, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, errspkg.ErrConnectionClosing
	}
	if snd, ok := s.senders[entity]; ok {
		return snd, nil
	}
	snd, err := conn.NewSender(entity)
	if err != nil {
		return nil, err
	}
	s.senders[entity] = snd
	return snd, nil
}
