package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/session"
)

// DefaultReceiveWait bounds how long Receive waits for the first message.
const DefaultReceiveWait = 10 * time.Second

// ReceiveRequest describes a one-shot receive. Zero fields fall back to the
// service configuration.
type ReceiveRequest struct {
	Target broker.Target
	// SessionMode is "none", "any" or "specific".
	SessionMode string
	SessionID   string
	// MaxMessages defaults to 1.
	MaxMessages int
	// Wait defaults to DefaultReceiveWait.
	Wait time.Duration
}

// Receive pulls up to MaxMessages once and returns them as records. Under the
// manual completion policy each returned message has been completed. The
// receiver, or the session it locked, is released before Receive returns, and
// a receive that times out without messages returns no records and no error.
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) ([]dispatch.Record, error) {
	req, err := s.receiveDefaults(req)
	if err != nil {
		return nil, err
	}
	policy, err := dispatch.ParseCompletionPolicy(s.Conf.CompletionPolicy)
	if err != nil {
		return nil, errspkg.New(errspkg.ErrConfiguration, "Invalid completion policy", err)
	}
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}

	handle, release, err := s.openOnce(ctx, conn, req, policy)
	if err != nil {
		return nil, err
	}
	tracked, err := s.trackOneShot(req.Target, release)
	if err != nil {
		_ = release(context.WithoutCancel(ctx))
		return nil, err
	}
	defer func() {
		s.untrackOneShot(tracked)
		if rerr := tracked.close(context.WithoutCancel(ctx)); rerr != nil {
			s.Logger.Error("Releasing one-shot receiver failed", rerr, loggingpkg.LogFields{"target": req.Target.String()})
		}
	}()

	recv := handle.Receiver()
	wctx, cancel := context.WithTimeout(ctx, req.Wait)
	msgs, err := recv.ReceiveMessages(wctx, req.MaxMessages)
	cancel()
	if len(msgs) == 0 {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case wctx.Err() != nil:
			return nil, nil
		case err != nil:
			if errspkg.KindOf(err) == nil {
				err = errspkg.New(errspkg.ErrTransport, "Failed to receive from "+req.Target.String(), err)
			}
			return nil, err
		}
		return nil, nil
	}
	if len(msgs) > req.MaxMessages {
		msgs = msgs[:req.MaxMessages]
	}

	receivedAt := time.Now()
	records := make([]dispatch.Record, 0, len(msgs))
	for _, msg := range msgs {
		rec := dispatch.NewRecord(req.Target, msg, receivedAt)
		if sr, ok := handle.Session(); ok {
			rec.Session = &dispatch.SessionInfo{ID: sr.SessionID(), State: s.readState(ctx, sr)}
		}
		if policy == dispatch.PolicyManual {
			if err := recv.CompleteMessage(ctx, msg); err != nil {
				return records, err
			}
			s.metrics.MessageCompleted(req.Target.String())
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Service) receiveDefaults(req ReceiveRequest) (ReceiveRequest, error) {
	if req.Target == (broker.Target{}) {
		t, err := s.Conf.Target()
		if err != nil {
			return req, err
		}
		req.Target = t
	} else if err := req.Target.Validate(); err != nil {
		return req, errspkg.New(errspkg.ErrConfiguration, "Invalid receive target", err)
	}
	if req.SessionMode == "" {
		req.SessionMode = s.Conf.SessionMode
	}
	if req.SessionID == "" && req.SessionMode == configpkg.SessionModeSpecific {
		req.SessionID = s.Conf.SessionID
	}
	switch req.SessionMode {
	case "", configpkg.SessionModeNone, configpkg.SessionModeAny:
	case configpkg.SessionModeSpecific:
		if req.SessionID == "" {
			return req, errspkg.New(errspkg.ErrConfiguration, "A session id is required in specific mode", nil)
		}
	default:
		return req, errspkg.Newf(errspkg.ErrConfiguration, nil, "Unsupported session mode %q", req.SessionMode)
	}
	if req.MaxMessages < 1 {
		req.MaxMessages = 1
	}
	if req.Wait <= 0 {
		req.Wait = DefaultReceiveWait
	}
	return req, nil
}

// openOnce opens the handle of a one-shot receive. Sessions go through a
// private registry so releasing them never touches the running loops.
func (s *Service) openOnce(ctx context.Context, conn broker.Connection, req ReceiveRequest, policy dispatch.CompletionPolicy) (broker.Handle, func(context.Context) error, error) {
	opts := broker.ReceiverOptions{Mode: policy.ReceiveMode()}
	switch req.SessionMode {
	case configpkg.SessionModeSpecific, configpkg.SessionModeAny:
		registry := session.NewRegistry(s.Logger)
		n := session.NewNegotiator(conn, registry, s.Logger, session.Options{
			Target: req.Target,
			Mode:   opts.Mode,
			OnAccepted: func(string) {
				s.metrics.SessionAccepted(req.Target.String())
			},
		})
		var (
			entry *session.Entry
			err   error
		)
		if req.SessionMode == configpkg.SessionModeSpecific {
			entry, err = n.AcceptSpecific(ctx, req.SessionID, s.Conf.SessionLockTimeout)
		} else {
			entry, err = n.AcceptNext(ctx, s.Conf.SessionLockTimeout)
		}
		if err != nil {
			return broker.Handle{}, nil, err
		}
		return entry.Handle(), registry.CloseAll, nil
	default:
		recv, err := conn.NewReceiver(ctx, req.Target, opts)
		if err != nil {
			return broker.Handle{}, nil, err
		}
		return broker.NewPlainHandle(req.Target, recv), recv.Close, nil
	}
}

// oneShotReceiver is a handle opened by Receive. Close reaches it through the
// service until Receive releases it; whichever comes first closes it.
type oneShotReceiver struct {
	target  broker.Target
	release func(context.Context) error
	once    sync.Once
	err     error
}

func (o *oneShotReceiver) close(ctx context.Context) error {
	o.once.Do(func() { o.err = o.release(ctx) })
	return o.err
}

func (s *Service) trackOneShot(target broker.Target, release func(context.Context) error) (*oneShotReceiver, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, errspkg.ErrConnectionClosing
	}
	o := &oneShotReceiver{target: target, release: release}
	s.oneShot[o] = struct{}{}
	return o, nil
}

func (s *Service) untrackOneShot(o *oneShotReceiver) {
	s.connMu.Lock()
	delete(s.oneShot, o)
	s.connMu.Unlock()
}

// readState is best effort: any failure yields a nil state.
func (s *Service) readState(ctx context.Context, sr broker.SessionReceiver) any {
	raw, err := sr.GetSessionState(ctx)
	if err != nil {
		s.Logger.Debug("Session state unavailable", loggingpkg.LogFields{"session_id": sr.SessionID(), "error": err.Error()})
		return nil
	}
	state, err := session.DecodeState(raw)
	if err != nil {
		s.Logger.Debug("Session state undecodable", loggingpkg.LogFields{"session_id": sr.SessionID(), "error": err.Error()})
		return nil
	}
	return state
}
