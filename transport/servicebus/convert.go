package servicebus

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// FromReceived converts a client message. The body keeps the AMQP shape the
// broker delivered: one data section as []byte, several as [][]byte, or an
// AMQP value section as the decoded value.
func FromReceived(m *azservicebus.ReceivedMessage) *broker.Message {
	out := &broker.Message{
		MessageID:             m.MessageID,
		Body:                  m.Body,
		ApplicationProperties: m.ApplicationProperties,
		DeliveryCount:         m.DeliveryCount,
		ContentType:           deref(m.ContentType),
		SessionID:             deref(m.SessionID),
		CorrelationID:         deref(m.CorrelationID),
		Subject:               deref(m.Subject),
		Raw:                   m,
	}
	if m.SequenceNumber != nil {
		out.SequenceNumber = *m.SequenceNumber
	}
	if m.EnqueuedTime != nil {
		out.EnqueuedTime = *m.EnqueuedTime
	}
	if m.LockedUntil != nil {
		out.LockedUntil = *m.LockedUntil
	}
	if raw := m.RawAMQPMessage; raw != nil {
		switch {
		case len(raw.Body.Data) > 1:
			out.Body = raw.Body.Data
		case raw.Body.Value != nil:
			out.Body = raw.Body.Value
		case len(raw.Body.Sequence) > 0:
			out.Body = raw.Body.Sequence
		}
	}
	return out
}

// ToMessage converts an outbound message. Zero optional fields stay unset.
func ToMessage(m *broker.OutboundMessage) *azservicebus.Message {
	out := &azservicebus.Message{
		Body:                  m.Body,
		ApplicationProperties: m.ApplicationProperties,
		ContentType:           ptr(m.ContentType),
		MessageID:             ptr(m.MessageID),
		SessionID:             ptr(m.SessionID),
		CorrelationID:         ptr(m.CorrelationID),
		Subject:               ptr(m.Subject),
	}
	if m.TimeToLive > 0 {
		ttl := m.TimeToLive
		out.TimeToLive = &ttl
	}
	if !m.ScheduledEnqueueTime.IsZero() {
		at := m.ScheduledEnqueueTime.UTC()
		out.ScheduledEnqueueTime = &at
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapError classifies a client error. Codes the client reports map to a
// fixed kind; anything else takes fallback.
func mapError(err error, fallback error, message string) error {
	if err == nil {
		return nil
	}
	kind := fallback
	var sbErr *azservicebus.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &sbErr):
		switch sbErr.Code {
		case azservicebus.CodeUnauthorizedAccess:
			kind = errspkg.ErrConfiguration
		case azservicebus.CodeClosed:
			kind = errspkg.ErrConnectionClosing
		case azservicebus.CodeConnectionLost, azservicebus.CodeLockLost:
			if fallback != errspkg.ErrSessionUnavailable && fallback != errspkg.ErrNoSessionsAvailable {
				kind = errspkg.ErrTransport
			}
		case azservicebus.CodeTimeout, azservicebus.CodeNotFound:
			// Accepting a session that is held elsewhere or does not exist
			// surfaces as a timeout; keep the acceptance kind.
		}
	}
	return errspkg.New(kind, message, err)
}

func isCode(err error, code azservicebus.Code) bool {
	var sbErr *azservicebus.Error
	return errors.As(err, &sbErr) && sbErr.Code == code
}
