package dispatch

import (
	"context"
	"time"

	"github.com/drblury/sbflow/internal/runtime/logging"
)

// DispatchContext describes one message callback to hooks.
type DispatchContext struct {
	// Target is the entity path the message was received from.
	Target string
	// SessionID is empty for plain handles.
	SessionID string
	// MessageID is the broker message id.
	MessageID string
	// DeliveryCount is the broker's delivery counter for the message.
	DeliveryCount uint32
	// Context is the detached callback context.
	Context context.Context
	// StartedAt is when the callback began.
	StartedAt time.Time
	// Duration is only set in OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

// Hooks observe message callbacks. Nil hooks are skipped.
type Hooks struct {
	// OnDispatchStart runs before the record is built.
	OnDispatchStart func(ctx DispatchContext)
	// OnDispatchDone runs after the sink accepted the record and, under the
	// manual policy, the message was completed.
	OnDispatchDone func(ctx DispatchContext)
	// OnDispatchError runs when the sink or the completion failed.
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDispatchStart: chain(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chain(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErr(h.OnDispatchError, other.OnDispatchError),
	}
}

func chain(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs every callback at debug level and failures at error level.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	fields := func(ctx DispatchContext) logging.LogFields {
		return logging.LogFields{
			"target":         ctx.Target,
			"session_id":     ctx.SessionID,
			"message_id":     ctx.MessageID,
			"delivery_count": ctx.DeliveryCount,
		}
	}
	return Hooks{
		OnDispatchStart: func(ctx DispatchContext) {
			log.Debug("Dispatch started", fields(ctx))
		},
		OnDispatchDone: func(ctx DispatchContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			log.Debug("Dispatch completed", f)
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			log.Error("Dispatch failed", err, f)
		},
	}
}
