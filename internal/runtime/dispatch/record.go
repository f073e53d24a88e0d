package dispatch

import (
	"strconv"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/normalize"
)

// SessionInfo is attached to records delivered through a session handle.
type SessionInfo struct {
	ID    string `json:"id"`
	State any    `json:"state"`
}

// Record is the enriched, normalized form of a broker message handed to a sink.
type Record struct {
	MessageID             string         `json:"messageId"`
	Body                  any            `json:"body"`
	ContentType           string         `json:"contentType,omitempty"`
	CorrelationID         string         `json:"correlationId,omitempty"`
	Subject               string         `json:"subject,omitempty"`
	EnqueuedTime          time.Time      `json:"enqueuedTimeUtc"`
	ApplicationProperties map[string]any `json:"applicationProperties"`
	DeliveryCount         uint32         `json:"deliveryCount"`
	// SequenceNumber is decimal text so consumers without 64-bit integers keep
	// full precision.
	SequenceNumber string       `json:"sequenceNumber"`
	SessionID      string       `json:"sessionId,omitempty"`
	Target         string       `json:"target"`
	ReceivedAt     time.Time    `json:"receivedAt"`
	Session        *SessionInfo `json:"session,omitempty"`
}

// NewRecord normalizes msg into a Record. Session is left nil.
func NewRecord(target broker.Target, msg *broker.Message, receivedAt time.Time) Record {
	props := msg.ApplicationProperties
	if props == nil {
		props = map[string]any{}
	}
	return Record{
		MessageID:             msg.MessageID,
		Body:                  normalize.Body(msg.Body),
		ContentType:           msg.ContentType,
		CorrelationID:         msg.CorrelationID,
		Subject:               msg.Subject,
		EnqueuedTime:          msg.EnqueuedTime.UTC(),
		ApplicationProperties: props,
		DeliveryCount:         msg.DeliveryCount,
		SequenceNumber:        strconv.FormatInt(msg.SequenceNumber, 10),
		SessionID:             msg.SessionID,
		Target:                target.String(),
		ReceivedAt:            receivedAt.UTC(),
	}
}
