// Package recovery decides what happens after a receive handle fails and keeps
// session-bound targets claimed for as long as the service runs.
package recovery

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/session"
)

// Default re-acquisition delays and session fan-out.
const (
	DefaultSpecificDelay = 5 * time.Second
	DefaultAnyDelay      = time.Second
	DefaultMaxSessions   = 8
)

// Runner drives one handle until ctx is done or the handle fails.
type Runner func(ctx context.Context, h broker.Handle) error

// Options tunes the re-acquisition loops.
type Options struct {
	// SpecificDelay is waited between attempts to re-own one named session.
	SpecificDelay time.Duration
	// AnyDelay is waited after a failed next-available claim or a failed loop.
	AnyDelay time.Duration
	// MaxSessions bounds the sessions claimed concurrently in any-session mode.
	MaxSessions int
	// LockTimeout is the lock renewal budget of accepted sessions.
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SpecificDelay <= 0 {
		o.SpecificDelay = DefaultSpecificDelay
	}
	if o.AnyDelay <= 0 {
		o.AnyDelay = DefaultAnyDelay
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	return o
}

// Controller applies the failure policy. It shares the registry with the
// negotiators and the shutdown path.
type Controller struct {
	registry *session.Registry
	opts     Options
	log      logging.ServiceLogger
	metrics  *metrics.Metrics
}

// New returns a Controller. m may be nil.
func New(registry *session.Registry, log logging.ServiceLogger, m *metrics.Metrics, opts Options) *Controller {
	return &Controller{
		registry: registry,
		opts:     opts.withDefaults(),
		log:      logging.Component(log, "recovery"),
		metrics:  m,
	}
}

// Options returns the effective options.
func (c *Controller) Options() Options { return c.opts }

// HandleError applies the policy for err raised against h. Session handles
// evict and close every receiver registered for the same target, since one
// session failure can mean the whole ownership set is stale; close failures
// are logged and dropped. Plain handles are only reported.
func (c *Controller) HandleError(ctx context.Context, h broker.Handle, err error) {
	target := h.Target().String()
	c.metrics.LoopError(target)
	if h.Kind() != broker.HandleSession {
		c.log.Error("Receiver failed", err, logging.LogFields{"target": target})
		return
	}
	c.log.Error("Session receiver failed, evicting all sessions of target", err, logging.LogFields{
		"target":     target,
		"session_id": h.SessionID(),
	})
	c.Evict(ctx, h.Target())
}

// Evict closes and removes every session registered for target and returns
// how many were evicted.
func (c *Controller) Evict(ctx context.Context, target broker.Target) int {
	evicted := c.registry.EvictTarget(target)
	for _, e := range evicted {
		if err := e.Close(ctx); err != nil {
			c.log.Error("Closing evicted session receiver failed", err, logging.LogFields{
				"target":     target.String(),
				"session_id": e.SessionID(),
			})
		}
	}
	c.metrics.SessionsEvicted(target.String(), len(evicted))
	return len(evicted)
}

// RunPlain runs a plain handle once. A failure is reported and returned; the
// handle is not recreated.
func (c *Controller) RunPlain(ctx context.Context, h broker.Handle, run Runner) error {
	err := run(ctx, h)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	c.HandleError(ctx, h, err)
	return err
}

// RunSpecific owns sessionID until ctx is done. Failed acceptances and failed
// loops are retried after the fixed specific delay without bound; the loop
// never falls back to claiming other sessions.
func (c *Controller) RunSpecific(ctx context.Context, n *session.Negotiator, sessionID string, run Runner) error {
	fields := logging.LogFields{"target": n.Target().String(), "session_id": sessionID}
	for attempt := 1; ; attempt++ {
		entry, err := n.AcceptSpecific(ctx, sessionID, c.opts.LockTimeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			if fatal(err) {
				return err
			}
			c.log.Info("Session not acquired, retrying", logging.LogFields{
				"target": n.Target().String(), "session_id": sessionID,
				"attempt": attempt, "error": err.Error(), "retry_in": c.opts.SpecificDelay.String(),
			})
		default:
			c.metrics.SessionAccepted(n.Target().String())
			attempt = 0
			err = run(ctx, entry.Handle())
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errspkg.ErrIdle) || err == nil {
				c.release(ctx, n, entry)
				continue
			}
			c.HandleError(ctx, entry.Handle(), err)
			c.log.Debug("Re-acquiring session", fields)
		}
		if !sleep(ctx, c.opts.SpecificDelay) {
			return nil
		}
	}
}

// RunAny keeps up to MaxSessions next-available sessions claimed until ctx is
// done.
func (c *Controller) RunAny(ctx context.Context, n *session.Negotiator, run Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < c.opts.MaxSessions; worker++ {
		g.Go(func() error {
			return c.claimLoop(ctx, n, run, worker)
		})
	}
	return g.Wait()
}

func (c *Controller) claimLoop(ctx context.Context, n *session.Negotiator, run Runner, worker int) error {
	target := n.Target().String()
	for {
		entry, err := n.AcceptNext(ctx, c.opts.LockTimeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			if fatal(err) {
				return err
			}
			if !errors.Is(err, errspkg.ErrNoSessionsAvailable) {
				c.log.Error("Claiming next session failed", err, logging.LogFields{"target": target, "worker": worker})
			}
		default:
			c.metrics.SessionAccepted(target)
			err = run(ctx, entry.Handle())
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errspkg.ErrIdle) || err == nil {
				c.release(ctx, n, entry)
				continue
			}
			c.HandleError(ctx, entry.Handle(), err)
		}
		if !sleep(ctx, c.opts.AnyDelay) {
			return nil
		}
	}
}

func (c *Controller) release(ctx context.Context, n *session.Negotiator, entry *session.Entry) {
	c.registry.Remove(entry)
	if err := entry.Close(ctx); err != nil {
		c.log.Error("Releasing idle session failed", err, logging.LogFields{
			"target":     n.Target().String(),
			"session_id": entry.SessionID(),
		})
	}
}

// fatal reports errors that no amount of waiting fixes: the service is
// shutting down or the configuration is wrong.
func fatal(err error) bool {
	return errors.Is(err, errspkg.ErrRegistryClosed) ||
		errors.Is(err, errspkg.ErrConnectionClosing) ||
		errors.Is(err, errspkg.ErrConfiguration)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
