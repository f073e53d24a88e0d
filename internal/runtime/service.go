package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/recovery"
	"github.com/drblury/sbflow/internal/runtime/session"
	transportpkg "github.com/drblury/sbflow/internal/runtime/transport"
	"github.com/drblury/sbflow/transport/servicebus"
)

// DefaultStopTimeout bounds the shutdown Run performs after its context ends.
const DefaultStopTimeout = 30 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil for the defaults.
type ServiceDependencies struct {
	// Dialer connects to the broker. Defaults to the Service Bus dialer.
	Dialer broker.Dialer
	// Sink receives every record. When nil the configured sink transport is
	// built through SinkFactory and records are published to SinkTopic.
	Sink        dispatch.Sink
	SinkFactory transportpkg.Factory
	// Hooks observe every message callback.
	Hooks dispatch.Hooks
	// MetricsRegisterer receives the Prometheus collectors. Defaults to the
	// global registerer when metrics are enabled and a private registry otherwise.
	MetricsRegisterer prometheus.Registerer
}

// Service owns one broker connection, the session registry and the sink, and
// runs the receive loops configured in Conf.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	dialer    broker.Dialer
	sink      dispatch.Sink
	transport transportpkg.Transport
	hooks     dispatch.Hooks
	metrics   *metrics.Metrics
	registry  *session.Registry
	recovery  *recovery.Controller

	connMu  sync.Mutex
	conn    broker.Connection
	senders map[string]broker.Sender
	oneShot map[*oneShotReceiver]struct{}
	closed  bool

	subMu sync.Mutex
	sub   *Subscription

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	resourceTracker *resourceTracker

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. It panics when
// the configuration is invalid or the sink cannot be built; use TryNewService
// to handle those errors.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service, returning configuration and sink errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	log.Info("Creating Service Bus bridge",
		loggingpkg.LogFields{
			"sink_system":  transportpkg.SinkSystem(conf),
			"session_mode": conf.SessionMode,
			"config":       conf,
		})

	registerer := deps.MetricsRegisterer
	if registerer == nil && conf.MetricsEnabled {
		registerer = prometheus.DefaultRegisterer
	}
	m := metrics.New(registerer)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	registry := session.NewRegistry(log)
	s := &Service{
		Conf:     conf,
		Logger:   log,
		dialer:   deps.Dialer,
		sink:     deps.Sink,
		hooks:    deps.Hooks,
		metrics:  m,
		registry: registry,
		recovery: recovery.New(registry, log, m, recovery.Options{
			SpecificDelay: conf.SpecificSessionRetryDelay,
			AnyDelay:      conf.AnySessionRetryDelay,
			MaxSessions:   conf.MaxSessions,
			LockTimeout:   conf.SessionLockTimeout,
		}),
		senders:         make(map[string]broker.Sender),
		oneShot:         make(map[*oneShotReceiver]struct{}),
		resourceTracker: newResourceTracker(),
	}
	if s.dialer == nil {
		s.dialer = servicebus.NewDialer(log)
	}
	if s.sink == nil {
		if err := s.buildSink(ctx, deps.SinkFactory); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) buildSink(ctx context.Context, factory transportpkg.Factory) error {
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	encoding, err := dispatch.ParseEncoding(s.Conf.SinkEncoding)
	if err != nil {
		return errspkg.New(errspkg.ErrConfiguration, "Invalid sink encoding", err)
	}

	system := transportpkg.SinkSystem(s.Conf)
	tr, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	if s.Conf.MetricsEnabled {
		if tr, err = transportpkg.WithPublisherMetrics(tr, s.metrics.Registerer(), system); err != nil {
			_ = tr.Close()
			return fmt.Errorf("failed to add sink metrics: %w", err)
		}
	}
	sink, err := dispatch.NewPublisherSink(tr.Publisher, s.Conf.SinkTopic, encoding)
	if err != nil {
		_ = tr.Close()
		return err
	}

	caps := transportpkg.Capabilities(s.Conf)
	if s.Conf.SessionEnabled() && !caps.PreservesSessionOrder() {
		s.Logger.Info("Sink does not guarantee per-session record order", loggingpkg.LogFields{"sink_system": system})
	}
	s.transport = tr
	s.sink = sink
	return nil
}

// SinkTransport returns the sink transport built from the configuration. Its
// Subscriber is set for sinks that can read their own records back, such as
// the channel sink. It is zero when a Sink was supplied directly.
func (s *Service) SinkTransport() transportpkg.Transport {
	return s.transport
}

// Metrics returns the service's collectors.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Registry returns the session registry shared by the receive loops.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// connection returns the shared connection, dialing it on first use.
func (s *Service) connection(ctx context.Context) (broker.Connection, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, errspkg.ErrConnectionClosing
	}
	if s.conn != nil {
		return s.conn, nil
	}
	cs, err := configpkg.ParseConnectionString(s.Conf.ConnectionString)
	if err != nil {
		return nil, err
	}
	policy := s.Conf.RetryPolicy()
	conn, err := s.dialer.Dial(ctx, s.Conf.ConnectionString, policy)
	if err != nil {
		if errspkg.KindOf(err) == nil {
			err = errspkg.New(errspkg.ErrTransport, "Failed to connect to Service Bus", err)
		}
		return nil, err
	}
	s.Logger.Info("Connected to Service Bus", loggingpkg.LogFields{
		"namespace":    cs.Namespace(),
		"retry_policy": policy.String(),
	})
	s.conn = conn
	return conn, nil
}

// Run starts the service, waits for ctx to end or the receive loops to stop,
// and then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.Start(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStopTimeout)
	defer cancel()
	stopErr := sub.Stop(stopCtx)
	return errors.Join(sub.Err(), stopErr)
}

// Close releases every resource the service holds: receivers of in-flight
// one-shot receives, session receivers, senders, the connection, the sink and
// the HTTP servers, in that order. It runs once; later
// calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error

	s.connMu.Lock()
	s.closed = true
	oneShot := s.oneShot
	s.oneShot = make(map[*oneShotReceiver]struct{})
	senders := s.senders
	s.senders = make(map[string]broker.Sender)
	conn := s.conn
	s.connMu.Unlock()

	for o := range oneShot {
		if err := o.close(ctx); err != nil {
			s.Logger.Error("Closing one-shot receiver failed", err, loggingpkg.LogFields{"target": o.target.String()})
		}
	}
	if err := s.registry.CloseAll(ctx); err != nil {
		s.Logger.Error("Closing session receivers failed", err, nil)
	}
	for entity, snd := range senders {
		if err := snd.Close(ctx); err != nil {
			s.Logger.Error("Closing sender failed", err, loggingpkg.LogFields{"entity": entity})
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.closeSink(); err != nil {
		errs = append(errs, errspkg.New(errspkg.ErrSink, "Failed to close sink", err))
	}
	s.stopHTTPServers(ctx)

	s.Logger.Info("Service Bus bridge closed", nil)
	return errors.Join(errs...)
}

func (s *Service) closeSink() error {
	if s.transport.Publisher != nil {
		return s.transport.Close()
	}
	if c, ok := s.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	running := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
