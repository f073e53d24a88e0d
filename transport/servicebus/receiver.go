package servicebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// settler is the settlement surface shared by *azservicebus.Receiver and
// *azservicebus.SessionReceiver.
type settler interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// Receiver implements broker.Receiver.
type Receiver struct {
	inner settler
}

var _ broker.Receiver = (*Receiver)(nil)

// ReceiveMessages waits for at least one message and converts the batch.
func (r *Receiver) ReceiveMessages(ctx context.Context, maxMessages int) ([]*broker.Message, error) {
	msgs, err := r.inner.ReceiveMessages(ctx, maxMessages, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && len(msgs) == 0 {
			return nil, ctxErr
		}
		if len(msgs) == 0 {
			return nil, mapError(err, errspkg.ErrTransport, "Failed to receive messages")
		}
	}
	out := make([]*broker.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromReceived(m))
	}
	return out, nil
}

func (r *Receiver) CompleteMessage(ctx context.Context, msg *broker.Message) error {
	raw, err := rawMessage(msg)
	if err != nil {
		return err
	}
	if err := r.inner.CompleteMessage(ctx, raw, nil); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to complete message "+msg.MessageID)
	}
	return nil
}

func (r *Receiver) AbandonMessage(ctx context.Context, msg *broker.Message) error {
	raw, err := rawMessage(msg)
	if err != nil {
		return err
	}
	if err := r.inner.AbandonMessage(ctx, raw, nil); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to abandon message "+msg.MessageID)
	}
	return nil
}

func (r *Receiver) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to close receiver")
	}
	return nil
}

func rawMessage(msg *broker.Message) (*azservicebus.ReceivedMessage, error) {
	if msg == nil {
		return nil, errors.New("servicebus: message is nil")
	}
	raw, ok := msg.Raw.(*azservicebus.ReceivedMessage)
	if !ok || raw == nil {
		return nil, fmt.Errorf("servicebus: message %q was not received through this adapter", msg.MessageID)
	}
	return raw, nil
}

// sessionClient is the session surface of *azservicebus.SessionReceiver.
type sessionClient interface {
	settler
	SessionID() string
	GetSessionState(ctx context.Context, options *azservicebus.GetSessionStateOptions) ([]byte, error)
	SetSessionState(ctx context.Context, state []byte, options *azservicebus.SetSessionStateOptions) error
	RenewSessionLock(ctx context.Context, options *azservicebus.RenewSessionLockOptions) error
	LockedUntil() time.Time
}

// SessionReceiver implements broker.SessionReceiver.
type SessionReceiver struct {
	Receiver
	session sessionClient
}

var _ broker.SessionReceiver = (*SessionReceiver)(nil)

func newSessionReceiver(r sessionClient) *SessionReceiver {
	return &SessionReceiver{Receiver: Receiver{inner: r}, session: r}
}

func (s *SessionReceiver) SessionID() string {
	return s.session.SessionID()
}

// GetSessionState returns nil when the session has no state.
func (s *SessionReceiver) GetSessionState(ctx context.Context) ([]byte, error) {
	state, err := s.session.GetSessionState(ctx, nil)
	if err != nil {
		if isCode(err, azservicebus.CodeNotFound) {
			return nil, nil
		}
		return nil, mapError(err, errspkg.ErrTransport, "Failed to read state of session "+s.SessionID())
	}
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

func (s *SessionReceiver) SetSessionState(ctx context.Context, state []byte) error {
	if err := s.session.SetSessionState(ctx, state, nil); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to write state of session "+s.SessionID())
	}
	return nil
}

func (s *SessionReceiver) RenewSessionLock(ctx context.Context) error {
	if err := s.session.RenewSessionLock(ctx, nil); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to renew lock of session "+s.SessionID())
	}
	return nil
}

func (s *SessionReceiver) LockedUntil() time.Time {
	return s.session.LockedUntil()
}
