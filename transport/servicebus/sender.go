package servicebus

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

type sendClient interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	NewMessageBatch(ctx context.Context, options *azservicebus.MessageBatchOptions) (*azservicebus.MessageBatch, error)
	SendMessageBatch(ctx context.Context, batch *azservicebus.MessageBatch, options *azservicebus.SendMessageBatchOptions) error
	Close(ctx context.Context) error
}

// Sender implements broker.Sender. Several messages are packed into as few
// batches as the link allows.
type Sender struct {
	inner  sendClient
	entity string
}

var _ broker.Sender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, msgs ...*broker.OutboundMessage) error {
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		if err := s.inner.SendMessage(ctx, ToMessage(msgs[0]), nil); err != nil {
			return mapError(err, errspkg.ErrTransport, "Failed to send to "+s.entity)
		}
		return nil
	}

	batch, err := s.inner.NewMessageBatch(ctx, nil)
	if err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to send to "+s.entity)
	}
	for _, m := range msgs {
		msg := ToMessage(m)
		err := batch.AddMessage(msg, nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) && batch.NumMessages() > 0 {
			if err := s.inner.SendMessageBatch(ctx, batch, nil); err != nil {
				return mapError(err, errspkg.ErrTransport, "Failed to send to "+s.entity)
			}
			if batch, err = s.inner.NewMessageBatch(ctx, nil); err != nil {
				return mapError(err, errspkg.ErrTransport, "Failed to send to "+s.entity)
			}
			err = batch.AddMessage(msg, nil)
		}
		if err != nil {
			return errspkg.New(errspkg.ErrTransport, "Failed to send to "+s.entity, err)
		}
	}
	if batch.NumMessages() == 0 {
		return nil
	}
	if err := s.inner.SendMessageBatch(ctx, batch, nil); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to send to "+s.entity)
	}
	return nil
}

func (s *Sender) Close(ctx context.Context) error {
	if err := s.inner.Close(ctx); err != nil {
		return mapError(err, errspkg.ErrTransport, "Failed to close sender for "+s.entity)
	}
	return nil
}
