// Package metrics tracks dispatch and session statistics, both as Prometheus
// collectors and as an in-memory snapshot served by the status endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbflow"

// TargetMetrics holds the counters of one queue or subscription.
type TargetMetrics struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesCompleted uint64    `json:"messages_completed"`
	MessagesAbandoned uint64    `json:"messages_abandoned"`
	SinkFailures      uint64    `json:"sink_failures"`
	InFlight          int64     `json:"in_flight"`
	SessionsAccepted  uint64    `json:"sessions_accepted"`
	SessionsEvicted   uint64    `json:"sessions_evicted"`
	LoopErrors        uint64    `json:"loop_errors"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time view of every target.
type Snapshot struct {
	TotalReceived  uint64                    `json:"total_received"`
	TotalCompleted uint64                    `json:"total_completed"`
	TotalFailures  uint64                    `json:"total_sink_failures"`
	Targets        map[string]*TargetMetrics `json:"targets"`
	CollectedAt    time.Time                 `json:"collected_at"`
}

// Metrics is safe for concurrent use. A nil *Metrics discards everything.
type Metrics struct {
	mu      sync.RWMutex
	targets map[string]*TargetMetrics

	receivedTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	abandonedTotal *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	dispatchHist   *prometheus.HistogramVec
	acceptedTotal  *prometheus.CounterVec
	evictedTotal   *prometheus.CounterVec
	loopErrors     *prometheus.CounterVec

	registry   *prometheus.Registry
	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		[]string{"target"},
	)
}

func newGaugeVec(subsystem, name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		[]string{"target"},
	)
}

// New creates a collector set. With a nil registerer the collectors go to a
// private registry exposed through Gatherer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		targets:        make(map[string]*TargetMetrics),
		receivedTotal:  newCounterVec("dispatch", "messages_received_total", "Messages received from the broker"),
		completedTotal: newCounterVec("dispatch", "messages_completed_total", "Messages completed after a successful sink hand-off"),
		abandonedTotal: newCounterVec("dispatch", "messages_abandoned_total", "Messages abandoned after a sink failure"),
		sinkFailures:   newCounterVec("dispatch", "sink_failures_total", "Sink hand-offs that returned an error"),
		inFlight:       newGaugeVec("dispatch", "in_flight", "Message callbacks currently executing"),
		dispatchHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Time from receipt to the end of the message callback",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		acceptedTotal: newCounterVec("session", "accepted_total", "Sessions accepted"),
		evictedTotal:  newCounterVec("session", "evicted_total", "Session receivers evicted by recovery"),
		loopErrors:    newCounterVec("session", "loop_errors_total", "Receive loops that ended with an error"),
	}
	if registerer == nil {
		m.registry = prometheus.NewRegistry()
		registerer = m.registry
	}
	m.registerer = registerer
	return m
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.receivedTotal,
		m.completedTotal,
		m.abandonedTotal,
		m.sinkFailures,
		m.inFlight,
		m.dispatchHist,
		m.acceptedTotal,
		m.evictedTotal,
		m.loopErrors,
	} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Gatherer returns the private registry, the registerer when it can also
// gather, or prometheus.DefaultGatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	if m.registry != nil {
		return m.registry
	}
	if g, ok := m.registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Registerer returns where the collectors are registered. Other collector
// sets, such as sink publisher metrics, register there too.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

func (m *Metrics) update(target string, fn func(t *TargetMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[target]
	if !ok {
		t = &TargetMetrics{}
		m.targets[target] = t
	}
	fn(t)
	t.LastUpdatedAt = time.Now()
}

// MessageReceived records a delivery entering dispatch.
func (m *Metrics) MessageReceived(target string) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) {
		t.MessagesReceived++
		t.InFlight++
		t.LastMessageAt = time.Now()
	})
	m.receivedTotal.WithLabelValues(target).Inc()
	m.inFlight.WithLabelValues(target).Inc()
}

// MessageDone records the end of a callback. ok is false when the sink failed.
func (m *Metrics) MessageDone(target string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) {
		t.InFlight--
		if !ok {
			t.SinkFailures++
		}
	})
	m.inFlight.WithLabelValues(target).Dec()
	m.dispatchHist.WithLabelValues(target).Observe(took.Seconds())
	if !ok {
		m.sinkFailures.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) MessageCompleted(target string) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) { t.MessagesCompleted++ })
	m.completedTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) MessageAbandoned(target string) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) { t.MessagesAbandoned++ })
	m.abandonedTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) SessionAccepted(target string) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) { t.SessionsAccepted++ })
	m.acceptedTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) SessionsEvicted(target string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(target, func(t *TargetMetrics) { t.SessionsEvicted += uint64(n) })
	m.evictedTotal.WithLabelValues(target).Add(float64(n))
}

func (m *Metrics) LoopError(target string) {
	if m == nil {
		return
	}
	m.update(target, func(t *TargetMetrics) { t.LoopErrors++ })
	m.loopErrors.WithLabelValues(target).Inc()
}

// Snapshot returns copies of every target's counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Targets: make(map[string]*TargetMetrics), CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, t := range m.targets {
		cp := *t
		snap.Targets[name] = &cp
		snap.TotalReceived += t.MessagesReceived
		snap.TotalCompleted += t.MessagesCompleted
		snap.TotalFailures += t.SinkFailures
	}
	return snap
}

// Target returns a copy of one target's counters, or nil.
func (m *Metrics) Target(target string) *TargetMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.targets[target]; ok {
		cp := *t
		return &cp
	}
	return nil
}
