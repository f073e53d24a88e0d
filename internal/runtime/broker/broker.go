// Package broker describes the narrow surface the engine consumes from a message
// broker client. The production implementation lives in transport/servicebus;
// tests use the in-memory broker in brokertest.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Dialer builds a Connection from a connection string and a client retry policy.
type Dialer interface {
	Dial(ctx context.Context, connectionString string, policy RetryPolicy) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, connectionString string, policy RetryPolicy) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, connectionString string, policy RetryPolicy) (Connection, error) {
	return f(ctx, connectionString, policy)
}

// Connection is one logical handle to a broker namespace.
type Connection interface {
	NewReceiver(ctx context.Context, target Target, opts ReceiverOptions) (Receiver, error)
	// AcceptSession locks the named session. Implementations report a held or
	// missing session as errors.ErrSessionUnavailable.
	AcceptSession(ctx context.Context, target Target, sessionID string, opts ReceiverOptions) (SessionReceiver, error)
	// AcceptNextSession locks whichever session the broker hands out. Nothing to
	// claim is reported as errors.ErrNoSessionsAvailable.
	AcceptNextSession(ctx context.Context, target Target, opts ReceiverOptions) (SessionReceiver, error)
	NewSender(entity string) (Sender, error)
	Close(ctx context.Context) error
}

// Receiver pulls and settles messages for one queue or subscription.
type Receiver interface {
	// ReceiveMessages blocks until at least one message is available or ctx is
	// done, then returns at most maxMessages in broker order.
	ReceiveMessages(ctx context.Context, maxMessages int) ([]*Message, error)
	CompleteMessage(ctx context.Context, msg *Message) error
	AbandonMessage(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// SessionReceiver is a Receiver holding an exclusive session lock.
type SessionReceiver interface {
	Receiver
	SessionID() string
	// GetSessionState returns nil when the session has no state yet.
	GetSessionState(ctx context.Context) ([]byte, error)
	SetSessionState(ctx context.Context, state []byte) error
	RenewSessionLock(ctx context.Context) error
	// LockedUntil reports the current session lock expiry.
	LockedUntil() time.Time
}

// Sender publishes messages to one queue or topic.
type Sender interface {
	Send(ctx context.Context, msgs ...*OutboundMessage) error
	Close(ctx context.Context) error
}

// ReceiveMode selects who settles delivered messages.
type ReceiveMode int

const (
	// ReceiveModePeekLock keeps each message locked until it is completed,
	// abandoned, or its lock expires.
	ReceiveModePeekLock ReceiveMode = iota
	// ReceiveModeReceiveAndDelete settles messages on delivery.
	ReceiveModeReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case ReceiveModePeekLock:
		return "peek_lock"
	case ReceiveModeReceiveAndDelete:
		return "receive_and_delete"
	default:
		return fmt.Sprintf("receive_mode(%d)", int(m))
	}
}

// ReceiverOptions configures receivers and session acceptance.
type ReceiverOptions struct {
	Mode ReceiveMode
}

// Target names a queue, or a topic subscription.
type Target struct {
	Queue        string
	Topic        string
	Subscription string
}

// QueueTarget returns a queue Target.
func QueueTarget(queue string) Target {
	return Target{Queue: queue}
}

// SubscriptionTarget returns a topic subscription Target.
func SubscriptionTarget(topic, subscription string) Target {
	return Target{Topic: topic, Subscription: subscription}
}

// IsQueue reports whether the target is a queue.
func (t Target) IsQueue() bool {
	return t.Queue != ""
}

// Validate checks that exactly one addressing form is set.
func (t Target) Validate() error {
	switch {
	case t.Queue != "" && (t.Topic != "" || t.Subscription != ""):
		return fmt.Errorf("target sets both queue %q and topic %q", t.Queue, t.Topic)
	case t.Queue != "":
		return nil
	case t.Topic == "" && t.Subscription == "":
		return fmt.Errorf("target requires a queue or a topic and subscription")
	case t.Topic == "":
		return fmt.Errorf("subscription %q requires a topic", t.Subscription)
	case t.Subscription == "":
		return fmt.Errorf("topic %q requires a subscription", t.Topic)
	}
	return nil
}

// String renders the entity path of the target.
func (t Target) String() string {
	if t.IsQueue() {
		return t.Queue
	}
	return t.Topic + "/Subscriptions/" + t.Subscription
}

// Message is one broker delivery. It is never mutated after receipt; settlement
// goes through the Receiver that delivered it.
type Message struct {
	MessageID string
	// Body is []byte for data sections, [][]byte when the broker delivered
	// several data sections, or a decoded AMQP value.
	Body                  any
	ContentType           string
	ApplicationProperties map[string]any
	DeliveryCount         uint32
	SequenceNumber        int64
	SessionID             string
	EnqueuedTime          time.Time
	CorrelationID         string
	Subject               string
	LockedUntil           time.Time

	// Raw holds the client library's message so its receiver can settle it.
	Raw any
}

// OutboundMessage is a message handed to a Sender.
type OutboundMessage struct {
	Body                  []byte
	ContentType           string
	MessageID             string
	SessionID             string
	CorrelationID         string
	Subject               string
	ApplicationProperties map[string]any
	TimeToLive            time.Duration
	ScheduledEnqueueTime  time.Time
}
