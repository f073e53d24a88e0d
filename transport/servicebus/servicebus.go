// Package servicebus adapts the Azure Service Bus client to the broker
// interfaces consumed by the receive and dispatch engine.
package servicebus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/logging"
)

// ApplicationID is sent to Service Bus in the connection properties.
const ApplicationID = "sbflow"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(connectionString string, opts *azservicebus.ClientOptions) (Client, error) {
	return azservicebus.NewClientFromConnectionString(connectionString, opts)
}

// Client is the subset of *azservicebus.Client the adapter uses.
type Client interface {
	NewReceiverForQueue(queueName string, options *azservicebus.ReceiverOptions) (*azservicebus.Receiver, error)
	NewReceiverForSubscription(topicName, subscriptionName string, options *azservicebus.ReceiverOptions) (*azservicebus.Receiver, error)
	AcceptSessionForQueue(ctx context.Context, queueName, sessionID string, options *azservicebus.SessionReceiverOptions) (*azservicebus.SessionReceiver, error)
	AcceptSessionForSubscription(ctx context.Context, topicName, subscriptionName, sessionID string, options *azservicebus.SessionReceiverOptions) (*azservicebus.SessionReceiver, error)
	AcceptNextSessionForQueue(ctx context.Context, queueName string, options *azservicebus.SessionReceiverOptions) (*azservicebus.SessionReceiver, error)
	AcceptNextSessionForSubscription(ctx context.Context, topicName, subscriptionName string, options *azservicebus.SessionReceiverOptions) (*azservicebus.SessionReceiver, error)
	NewSender(queueOrTopic string, options *azservicebus.NewSenderOptions) (*azservicebus.Sender, error)
	Close(ctx context.Context) error
}

// Dialer creates Service Bus connections.
type Dialer struct {
	Logger logging.ServiceLogger
}

// NewDialer returns a Dialer logging through log.
func NewDialer(log logging.ServiceLogger) *Dialer {
	if log == nil {
		log = logging.Nop()
	}
	return &Dialer{Logger: logging.Component(log, "servicebus")}
}

var _ broker.Dialer = (*Dialer)(nil)

// Dial builds a client from the connection string. The retry policy is handed
// to the client, which applies it to every link and management operation.
func (d *Dialer) Dial(ctx context.Context, connectionString string, policy broker.RetryPolicy) (broker.Connection, error) {
	client, err := ClientFactory(connectionString, ClientOptions(policy))
	if err != nil {
		return nil, errspkg.New(errspkg.ErrConfiguration, "Failed to create Service Bus client", err)
	}
	log := d.Logger
	if log == nil {
		log = logging.Nop()
	}
	log.Debug("Service Bus client created", logging.LogFields{"retry_policy": policy.String()})
	return &Connection{client: client, log: log}, nil
}

// ClientOptions translates the retry policy into client options.
func ClientOptions(policy broker.RetryPolicy) *azservicebus.ClientOptions {
	policy = policy.WithDefaults()
	return &azservicebus.ClientOptions{
		ApplicationID: ApplicationID,
		RetryOptions: azservicebus.RetryOptions{
			MaxRetries:    policy.Int32Attempts(),
			RetryDelay:    policy.Delay,
			MaxRetryDelay: policy.MaxDelay,
		},
	}
}

// Connection implements broker.Connection on one *azservicebus.Client.
type Connection struct {
	client  Client
	log     logging.ServiceLogger
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var _ broker.Connection = (*Connection)(nil)

// NewConnection wraps an existing client.
func NewConnection(client Client, log logging.ServiceLogger) *Connection {
	if log == nil {
		log = logging.Nop()
	}
	return &Connection{client: client, log: log}
}

func (c *Connection) checkOpen() error {
	if c.closing.Load() {
		return errspkg.ErrConnectionClosing
	}
	return nil
}

// NewReceiver opens a receiver for a queue or subscription.
func (c *Connection) NewReceiver(ctx context.Context, target broker.Target, opts broker.ReceiverOptions) (broker.Receiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	ro := &azservicebus.ReceiverOptions{ReceiveMode: receiveMode(opts.Mode)}
	var (
		r   *azservicebus.Receiver
		err error
	)
	if target.IsQueue() {
		r, err = c.client.NewReceiverForQueue(target.Queue, ro)
	} else {
		r, err = c.client.NewReceiverForSubscription(target.Topic, target.Subscription, ro)
	}
	if err != nil {
		return nil, mapError(err, errspkg.ErrTransport, "Failed to open receiver for "+target.String())
	}
	return &Receiver{inner: r}, nil
}

// AcceptSession locks the named session.
func (c *Connection) AcceptSession(ctx context.Context, target broker.Target, sessionID string, opts broker.ReceiverOptions) (broker.SessionReceiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	so := &azservicebus.SessionReceiverOptions{ReceiveMode: receiveMode(opts.Mode)}
	var (
		r   *azservicebus.SessionReceiver
		err error
	)
	if target.IsQueue() {
		r, err = c.client.AcceptSessionForQueue(ctx, target.Queue, sessionID, so)
	} else {
		r, err = c.client.AcceptSessionForSubscription(ctx, target.Topic, target.Subscription, sessionID, so)
	}
	if err != nil {
		return nil, mapError(err, errspkg.ErrSessionUnavailable, "Failed to accept session "+sessionID)
	}
	return newSessionReceiver(r), nil
}

// AcceptNextSession locks the next available session.
func (c *Connection) AcceptNextSession(ctx context.Context, target broker.Target, opts broker.ReceiverOptions) (broker.SessionReceiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	so := &azservicebus.SessionReceiverOptions{ReceiveMode: receiveMode(opts.Mode)}
	var (
		r   *azservicebus.SessionReceiver
		err error
	)
	if target.IsQueue() {
		r, err = c.client.AcceptNextSessionForQueue(ctx, target.Queue, so)
	} else {
		r, err = c.client.AcceptNextSessionForSubscription(ctx, target.Topic, target.Subscription, so)
	}
	if err != nil {
		return nil, mapError(err, errspkg.ErrNoSessionsAvailable, "Failed to accept next session")
	}
	return newSessionReceiver(r), nil
}

// NewSender opens a sender for a queue or topic.
func (c *Connection) NewSender(entity string) (broker.Sender, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if entity == "" {
		return nil, errspkg.ErrEntityRequired
	}
	s, err := c.client.NewSender(entity, nil)
	if err != nil {
		return nil, mapError(err, errspkg.ErrTransport, "Failed to open sender for "+entity)
	}
	return &Sender{inner: s, entity: entity}, nil
}

// Close closes the client once. Calls made after Close has started report
// errors.ErrConnectionClosing.
func (c *Connection) Close(ctx context.Context) error {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		if err := c.client.Close(ctx); err != nil {
			c.closeErr = mapError(err, errspkg.ErrTransport, "Failed to close Service Bus client")
		}
	})
	return c.closeErr
}

func receiveMode(m broker.ReceiveMode) azservicebus.ReceiveMode {
	if m == broker.ReceiveModeReceiveAndDelete {
		return azservicebus.ReceiveModeReceiveAndDelete
	}
	return azservicebus.ReceiveModePeekLock
}
