// Package dispatch runs the receive loop of one receive handle: it pulls
// messages up to a concurrency ceiling, hands normalized records to a sink and
// settles them according to the completion policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/session"
)

const tracerName = "github.com/drblury/sbflow/dispatch"

// State is the lifecycle position of a Loop.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CompletionPolicy decides who settles delivered messages.
type CompletionPolicy int

const (
	// PolicyAuto receives in receive-and-delete mode: the broker settles each
	// message on delivery and the loop takes no action. A record the sink
	// rejects is logged and counted but not redelivered; use PolicyManual for
	// at-least-once hand-off.
	PolicyAuto CompletionPolicy = iota
	// PolicyManual completes each message after the sink accepted it.
	PolicyManual
)

// ParseCompletionPolicy maps "auto" (or empty) and "manual".
func ParseCompletionPolicy(s string) (CompletionPolicy, error) {
	switch s {
	case "", "auto":
		return PolicyAuto, nil
	case "manual":
		return PolicyManual, nil
	default:
		return PolicyAuto, fmt.Errorf("unsupported completion policy %q", s)
	}
}

func (p CompletionPolicy) String() string {
	if p == PolicyManual {
		return "manual"
	}
	return "auto"
}

// ReceiveMode is the broker receive mode that implements the policy.
func (p CompletionPolicy) ReceiveMode() broker.ReceiveMode {
	if p == PolicyManual {
		return broker.ReceiveModePeekLock
	}
	return broker.ReceiveModeReceiveAndDelete
}

// Descriptor is the dispatch configuration bound to one handle.
type Descriptor struct {
	// Concurrency is the maximum number of message callbacks in flight.
	Concurrency int
	Policy      CompletionPolicy
	Sink        Sink
	// AbandonOnSinkError abandons manually settled messages whose hand-off
	// failed instead of waiting for the lock to expire.
	AbandonOnSinkError bool
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.Sink == nil {
		return errspkg.ErrSinkRequired
	}
	if d.Concurrency < 1 {
		return errspkg.Newf(errspkg.ErrConfiguration, nil, "concurrency must be at least 1, got %d", d.Concurrency)
	}
	return nil
}

// Options tunes a Loop.
type Options struct {
	// IdleTimeout ends Run with ErrIdle when nothing arrives for that long.
	IdleTimeout time.Duration
	Hooks       Hooks
	Metrics     *metrics.Metrics
}

// Loop dispatches deliveries of one handle. Admission is ordered and records
// reach the sink in admission order; record building and settlement run
// concurrently up to the ceiling.
type Loop struct {
	handle broker.Handle
	desc   Descriptor
	opts   Options
	log    logging.ServiceLogger
	target string

	state    atomic.Int32
	slots    *semaphore.Weighted
	inflight sync.WaitGroup
}

// NewLoop binds desc to handle.
func NewLoop(handle broker.Handle, desc Descriptor, log logging.ServiceLogger, opts Options) (*Loop, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	target := handle.Target().String()
	fields := logging.LogFields{"target": target}
	if id := handle.SessionID(); id != "" {
		fields["session_id"] = id
	}
	return &Loop{
		handle: handle,
		desc:   desc,
		opts:   opts,
		log:    logging.Component(log, "dispatch").With(fields),
		target: target,
		slots:  semaphore.NewWeighted(int64(desc.Concurrency)),
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Handle returns the handle the loop is bound to.
func (l *Loop) Handle() broker.Handle { return l.handle }

// Run pulls and dispatches until ctx is done or a receive fails, then waits
// for in-flight callbacks. Cancellation returns nil; callbacks already admitted
// run to completion on a context detached from ctx.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribed)) {
		return fmt.Errorf("dispatch loop for %s already ran", l.target)
	}
	l.log.Debug("Subscription loop started", logging.LogFields{
		"concurrency": l.desc.Concurrency,
		"policy":      l.desc.Policy.String(),
	})

	err := l.pull(ctx)

	l.state.Store(int32(StateDraining))
	l.inflight.Wait()
	l.state.Store(int32(StateClosed))

	if err != nil && !errors.Is(err, errspkg.ErrIdle) {
		l.log.Error("Subscription loop stopped", err, nil)
	} else {
		l.log.Debug("Subscription loop stopped", nil)
	}
	return err
}

func (l *Loop) pull(ctx context.Context) error {
	recv := l.handle.Receiver()
	detached := context.WithoutCancel(ctx)
	prev := make(chan struct{})
	close(prev)

	for {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		credits := 1
		for credits < l.desc.Concurrency && l.slots.TryAcquire(1) {
			credits++
		}

		msgs, err := l.receive(ctx, recv, credits)
		if len(msgs) > credits {
			msgs = msgs[:credits]
		}
		if unused := credits - len(msgs); unused > 0 {
			l.slots.Release(int64(unused))
		}
		receivedAt := time.Now()
		for _, msg := range msgs {
			handedOff := make(chan struct{})
			l.inflight.Add(1)
			go l.process(detached, recv, msg, receivedAt, prev, handedOff)
			prev = handedOff
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Loop) receive(ctx context.Context, recv broker.Receiver, n int) ([]*broker.Message, error) {
	rctx := ctx
	if l.opts.IdleTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, l.opts.IdleTimeout)
		defer cancel()
	}
	msgs, err := recv.ReceiveMessages(rctx, n)
	if len(msgs) > 0 {
		return msgs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if rctx.Err() != nil {
		return nil, errspkg.Newf(errspkg.ErrIdle, nil, "No messages on %s for %s", l.target, l.opts.IdleTimeout)
	}
	if err != nil && errspkg.KindOf(err) == nil {
		err = errspkg.Newf(errspkg.ErrTransport, err, "Failed to receive from %s", l.target)
	}
	return nil, err
}

func (l *Loop) process(ctx context.Context, recv broker.Receiver, msg *broker.Message, receivedAt time.Time, prev <-chan struct{}, handedOff chan<- struct{}) {
	defer l.inflight.Done()
	defer l.slots.Release(1)

	dc := DispatchContext{
		Target:        l.target,
		SessionID:     l.handle.SessionID(),
		MessageID:     msg.MessageID,
		DeliveryCount: msg.DeliveryCount,
		StartedAt:     time.Now(),
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DispatchMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("servicebus.entity", l.target),
		attribute.String("servicebus.message_id", msg.MessageID),
		attribute.String("servicebus.session_id", msg.SessionID),
		attribute.Int64("servicebus.sequence_number", msg.SequenceNumber),
	)
	dc.Context = ctx

	l.opts.Metrics.MessageReceived(l.target)
	if l.opts.Hooks.OnDispatchStart != nil {
		l.opts.Hooks.OnDispatchStart(dc)
	}

	err := l.deliver(ctx, recv, msg, receivedAt, prev, handedOff)

	dc.Duration = time.Since(dc.StartedAt)
	l.opts.Metrics.MessageDone(l.target, !errors.Is(err, errspkg.ErrSink), dc.Duration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		if l.opts.Hooks.OnDispatchError != nil {
			l.opts.Hooks.OnDispatchError(dc, err)
		}
		l.log.Error("Message dispatch failed", err, logging.LogFields{
			"message_id":     msg.MessageID,
			"delivery_count": msg.DeliveryCount,
		})
		return
	}
	if l.opts.Hooks.OnDispatchDone != nil {
		l.opts.Hooks.OnDispatchDone(dc)
	}
}

func (l *Loop) deliver(ctx context.Context, recv broker.Receiver, msg *broker.Message, receivedAt time.Time, prev <-chan struct{}, handedOff chan<- struct{}) error {
	rec := NewRecord(l.handle.Target(), msg, receivedAt)
	if sr, ok := l.handle.Session(); ok {
		rec.Session = &SessionInfo{ID: sr.SessionID(), State: l.readState(ctx, sr)}
	}

	<-prev
	err := l.desc.Sink.Emit(ctx, rec)
	close(handedOff)

	if err != nil {
		err = errspkg.Newf(errspkg.ErrSink, err, "Sink rejected message %s", msg.MessageID)
		if l.desc.Policy == PolicyManual && l.desc.AbandonOnSinkError {
			if aerr := recv.AbandonMessage(ctx, msg); aerr != nil {
				l.log.Error("Abandoning message failed", aerr, logging.LogFields{"message_id": msg.MessageID})
			} else {
				l.opts.Metrics.MessageAbandoned(l.target)
			}
		}
		return err
	}
	if l.desc.Policy != PolicyManual {
		return nil
	}
	if err := recv.CompleteMessage(ctx, msg); err != nil {
		if errspkg.KindOf(err) == nil {
			err = errspkg.Newf(errspkg.ErrTransport, err, "Failed to complete message %s", msg.MessageID)
		}
		return err
	}
	l.opts.Metrics.MessageCompleted(l.target)
	return nil
}

// readState is best effort: any failure yields a nil state.
func (l *Loop) readState(ctx context.Context, sr broker.SessionReceiver) any {
	raw, err := sr.GetSessionState(ctx)
	if err != nil {
		l.log.Debug("Session state unavailable", logging.LogFields{"error": err.Error()})
		return nil
	}
	state, err := session.DecodeState(raw)
	if err != nil {
		l.log.Debug("Session state undecodable", logging.LogFields{"error": err.Error()})
		return nil
	}
	return state
}
