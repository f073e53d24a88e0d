package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/recovery"
	"github.com/drblury/sbflow/internal/runtime/session"
)

// closeGrace is the budget for closing resources once the Stop context has
// already expired.
const closeGrace = 5 * time.Second

// Subscription is a running set of receive loops started by Service.Start.
type Subscription struct {
	svc    *Service
	target broker.Target
	mode   string

	cancel context.CancelFunc
	group  errgroup.Group
	done   chan struct{}
	err    error

	plain []broker.Receiver

	stopOnce sync.Once
	stopErr  error
}

// Start connects to the broker and starts the receive loops for the configured
// target and session mode. The loops run until Stop; cancelling ctx after Start
// returns does not stop them. A failed start releases everything the service
// holds, the same way Stop does.
func (s *Service) Start(ctx context.Context) (*Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil {
		return nil, errspkg.ErrAlreadyStarted
	}

	sub, err := s.start(ctx)
	if err != nil {
		s.Logger.Error("Failed to start subscription", err, nil)
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.Logger.Error("Cleanup after failed start reported errors", cerr, nil)
		}
		return nil, err
	}
	s.sub = sub
	s.registerHTTPHandlers()
	s.startHTTPServers()
	return sub, nil
}

func (s *Service) start(ctx context.Context) (*Subscription, error) {
	target, err := s.Conf.Target()
	if err != nil {
		return nil, err
	}
	policy, err := dispatch.ParseCompletionPolicy(s.Conf.CompletionPolicy)
	if err != nil {
		return nil, errspkg.New(errspkg.ErrConfiguration, "Invalid completion policy", err)
	}
	desc := dispatch.Descriptor{
		Concurrency:        s.Conf.Concurrency,
		Policy:             policy,
		Sink:               s.sink,
		AbandonOnSinkError: s.Conf.AbandonOnSinkError,
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}

	mode := s.Conf.SessionMode
	if mode == "" {
		mode = configpkg.SessionModeNone
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		svc:    s,
		target: target,
		mode:   mode,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	opts := dispatch.Options{Hooks: s.hooks, Metrics: s.metrics}
	fields := loggingpkg.LogFields{
		"target":       target.String(),
		"session_mode": mode,
		"policy":       policy.String(),
		"concurrency":  desc.Concurrency,
	}

	switch mode {
	case configpkg.SessionModeSpecific:
		n := s.negotiator(conn, target, policy)
		run := s.runner(desc, opts)
		fields["session_id"] = s.Conf.SessionID
		sub.group.Go(func() error {
			return s.recovery.RunSpecific(runCtx, n, s.Conf.SessionID, run)
		})
	case configpkg.SessionModeAny:
		n := s.negotiator(conn, target, policy)
		opts.IdleTimeout = s.Conf.SessionIdleTimeout
		run := s.runner(desc, opts)
		fields["max_sessions"] = s.recovery.Options().MaxSessions
		sub.group.Go(func() error {
			return s.recovery.RunAny(runCtx, n, run)
		})
	default:
		recv, err := conn.NewReceiver(ctx, target, broker.ReceiverOptions{Mode: policy.ReceiveMode()})
		if err != nil {
			cancel()
			return nil, err
		}
		sub.plain = append(sub.plain, recv)
		h := broker.NewPlainHandle(target, recv)
		run := s.runner(desc, opts)
		sub.group.Go(func() error {
			return s.recovery.RunPlain(runCtx, h, run)
		})
	}

	go func() {
		sub.err = sub.group.Wait()
		close(sub.done)
	}()
	s.Logger.Info("Subscription started", fields)
	return sub, nil
}

func (s *Service) negotiator(conn broker.Connection, target broker.Target, policy dispatch.CompletionPolicy) *session.Negotiator {
	var initial []byte
	if s.Conf.SessionInitialState != "" {
		initial = []byte(s.Conf.SessionInitialState)
	}
	return session.NewNegotiator(conn, s.registry, s.Logger, session.Options{
		Target:       target,
		Mode:         policy.ReceiveMode(),
		InitialState: initial,
	})
}

func (s *Service) runner(desc dispatch.Descriptor, opts dispatch.Options) recovery.Runner {
	return func(ctx context.Context, h broker.Handle) error {
		loop, err := dispatch.NewLoop(h, desc, s.Logger, opts)
		if err != nil {
			return err
		}
		return loop.Run(ctx)
	}
}

// Target returns the entity the subscription receives from.
func (sub *Subscription) Target() broker.Target { return sub.target }

// SessionMode returns "none", "any" or "specific".
func (sub *Subscription) SessionMode() string { return sub.mode }

// Done is closed once every receive loop has returned.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Err returns why the receive loops stopped. It is nil while they run and
// after a clean Stop.
func (sub *Subscription) Err() error {
	select {
	case <-sub.done:
		return sub.err
	default:
		return nil
	}
}

// Stop cancels admission of new messages, waits for in-flight callbacks, and
// closes the plain receivers, every registered session receiver, the senders,
// the connection and the sink, in that order. It is safe to call repeatedly;
// later calls return the first result.
func (sub *Subscription) Stop(ctx context.Context) error {
	sub.stopOnce.Do(func() {
		sub.stopErr = sub.stop(ctx)
	})
	return sub.stopErr
}

func (sub *Subscription) stop(ctx context.Context) error {
	log := sub.svc.Logger
	log.Info("Stopping subscription", loggingpkg.LogFields{"target": sub.target.String()})
	sub.cancel()

	var errs []error
	select {
	case <-sub.done:
	case <-ctx.Done():
		errs = append(errs, errspkg.New(errspkg.ErrTransport, "Receive loops did not drain before the stop deadline", ctx.Err()))
	}

	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), closeGrace)
		defer cancel()
	}
	for _, r := range sub.plain {
		if err := r.Close(closeCtx); err != nil {
			log.Error("Closing receiver failed", err, loggingpkg.LogFields{"target": sub.target.String()})
			errs = append(errs, err)
		}
	}
	if err := sub.svc.Close(closeCtx); err != nil {
		errs = append(errs, err)
	}
	log.Info("Subscription stopped", loggingpkg.LogFields{"target": sub.target.String()})
	return errors.Join(errs...)
}
