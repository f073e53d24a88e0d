package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/sbflow/session"

// MinRenewInterval bounds how often the lock renewer talks to the broker.
var MinRenewInterval = 50 * time.Millisecond

// Options configures a Negotiator.
type Options struct {
	Target broker.Target
	// Mode is the receive mode used for accepted sessions.
	Mode broker.ReceiveMode
	// InitialState, when set, is written to every newly accepted session.
	InitialState json.RawMessage
	// RenewInterval overrides the default of half the remaining lock duration.
	RenewInterval time.Duration
	// OnAccepted observes every successful acceptance.
	OnAccepted func(sessionID string)
}

// Negotiator acquires exclusive session receivers for one target and records
// them in the shared registry.
type Negotiator struct {
	conn     broker.Connection
	registry *Registry
	opts     Options
	log      logging.ServiceLogger
	group    singleflight.Group
}

// NewNegotiator binds a negotiator to conn, registry and opts.Target.
func NewNegotiator(conn broker.Connection, registry *Registry, log logging.ServiceLogger, opts Options) *Negotiator {
	return &Negotiator{
		conn:     conn,
		registry: registry,
		opts:     opts,
		log:      logging.Component(log, "session_negotiator").With(logging.LogFields{"target": opts.Target.String()}),
	}
}

// Target returns the entity this negotiator accepts sessions on.
func (n *Negotiator) Target() broker.Target { return n.opts.Target }

// Registry returns the shared registry.
func (n *Negotiator) Registry() *Registry { return n.registry }

// AcceptSpecific locks sessionID. A receiver already registered for it is
// returned without contacting the broker, and concurrent callers for the same
// id share one broker acceptance. timeout is the lock renewal budget.
func (n *Negotiator) AcceptSpecific(ctx context.Context, sessionID string, timeout time.Duration) (*Entry, error) {
	if e, ok := n.registry.Get(n.opts.Target, sessionID); ok {
		return e, nil
	}
	v, err, _ := n.group.Do(sessionID, func() (any, error) {
		if e, ok := n.registry.Get(n.opts.Target, sessionID); ok {
			return e, nil
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, "AcceptSession")
		defer span.End()
		span.SetAttributes(
			attribute.String("servicebus.entity", n.opts.Target.String()),
			attribute.String("servicebus.session_id", sessionID),
		)

		recv, err := n.conn.AcceptSession(ctx, n.opts.Target, sessionID, broker.ReceiverOptions{Mode: n.opts.Mode})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "accept failed")
			if errors.Is(err, errspkg.ErrConnectionClosing) {
				return nil, err
			}
			return nil, errspkg.Newf(errspkg.ErrSessionUnavailable, err, "Failed to accept session %q on %s", sessionID, n.opts.Target)
		}
		return n.register(ctx, recv, timeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// AcceptNext locks whichever session the broker offers and registers it under
// the id learned after acceptance.
func (n *Negotiator) AcceptNext(ctx context.Context, timeout time.Duration) (*Entry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "AcceptNextSession")
	defer span.End()
	span.SetAttributes(attribute.String("servicebus.entity", n.opts.Target.String()))

	recv, err := n.conn.AcceptNextSession(ctx, n.opts.Target, broker.ReceiverOptions{Mode: n.opts.Mode})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accept next failed")
		if errors.Is(err, errspkg.ErrConnectionClosing) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errspkg.Newf(errspkg.ErrNoSessionsAvailable, err, "Failed to accept next session on %s", n.opts.Target)
	}
	span.SetAttributes(attribute.String("servicebus.session_id", recv.SessionID()))
	return n.register(ctx, recv, timeout)
}

func (n *Negotiator) register(ctx context.Context, recv broker.SessionReceiver, timeout time.Duration) (*Entry, error) {
	entry := newEntry(n.opts.Target, recv, n.startRenewer(recv, timeout))
	fields := logging.LogFields{"session_id": entry.SessionID()}

	superseded, err := n.registry.Add(ctx, entry)
	if err != nil {
		return nil, err
	}
	if superseded != nil {
		n.log.Info("Replacing superseded session receiver", fields)
		if cerr := superseded.Close(ctx); cerr != nil {
			n.log.Error("Closing superseded session receiver failed", cerr, fields)
		}
	}
	n.log.Info("Session accepted", fields)

	if len(n.opts.InitialState) > 0 {
		if werr := n.WriteState(ctx, recv, n.opts.InitialState); werr != nil {
			n.log.Error("Writing initial session state failed", werr, fields)
		}
	}
	if n.opts.OnAccepted != nil {
		n.opts.OnAccepted(entry.SessionID())
	}
	return entry, nil
}

// startRenewer keeps the session lock alive until budget elapses or the
// returned cancel func runs. A zero budget disables renewal.
func (n *Negotiator) startRenewer(recv broker.SessionReceiver, budget time.Duration) context.CancelFunc {
	if budget <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	fields := logging.LogFields{"session_id": recv.SessionID()}
	go func() {
		defer cancel()
		for {
			timer := time.NewTimer(n.renewInterval(recv))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := recv.RenewSessionLock(ctx); err != nil {
				if ctx.Err() == nil {
					n.log.Error("Renewing session lock failed", err, fields)
				}
				return
			}
			n.log.Trace("Session lock renewed", fields)
		}
	}()
	return cancel
}

func (n *Negotiator) renewInterval(recv broker.SessionReceiver) time.Duration {
	d := n.opts.RenewInterval
	if d <= 0 {
		d = time.Until(recv.LockedUntil()) / 2
	}
	if d < MinRenewInterval {
		d = MinRenewInterval
	}
	return d
}

// ReadState returns the decoded session state, or nil when the session has none.
func (n *Negotiator) ReadState(ctx context.Context, recv broker.SessionReceiver) (any, error) {
	raw, err := recv.GetSessionState(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeState(raw)
}

// WriteState replaces the session state. Strings and byte slices must already
// hold JSON; other values are JSON encoded.
func (n *Negotiator) WriteState(ctx context.Context, recv broker.SessionReceiver, state any) error {
	raw, err := EncodeState(state)
	if err != nil {
		return err
	}
	return recv.SetSessionState(ctx, raw)
}

// Release closes and evicts the receiver for sessionID. Unknown ids are a no-op.
func (n *Negotiator) Release(ctx context.Context, sessionID string) error {
	e, ok := n.registry.Get(n.opts.Target, sessionID)
	if !ok {
		return nil
	}
	n.registry.Remove(e)
	err := e.Close(ctx)
	n.log.Info("Session released", logging.LogFields{"session_id": sessionID})
	return err
}

// DecodeState turns a raw state payload into a value. Empty payloads decode
// to nil.
func DecodeState(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := jsoncodec.DecodeValue(raw)
	if err != nil {
		return nil, errspkg.New(errspkg.ErrStateCodec, "Failed to decode session state", err)
	}
	return v, nil
}

// EncodeState produces the raw payload for state.
func EncodeState(state any) ([]byte, error) {
	switch v := state.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validJSON([]byte(v))
	case []byte:
		return validJSON(v)
	case string:
		return validJSON([]byte(v))
	default:
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, errspkg.New(errspkg.ErrStateCodec, "Failed to encode session state", err)
		}
		return raw, nil
	}
}

func validJSON(raw []byte) ([]byte, error) {
	if !jsoncodec.Valid(raw) {
		return nil, errspkg.New(errspkg.ErrStateCodec, "Failed to encode session state", errors.New("payload is not valid JSON"))
	}
	return append([]byte(nil), raw...), nil
}
