// Package transport builds the sink transport a Service hands records to.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/sbflow/internal/runtime/config"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	sinktransport "github.com/drblury/sbflow/transport"

	// Import all sink packages to register them.
	_ "github.com/drblury/sbflow/transport/transports"
)

// DefaultSinkSystem is used when the configuration names no sink.
const DefaultSinkSystem = "io"

// Transport is the publisher (and optional subscriber) records go through.
type Transport = sinktransport.Transport

// Factory abstracts how sbflow initialises sink transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the sink transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	cfg := *conf
	cfg.SinkSystem = SinkSystem(conf)

	t, err := sinktransport.Build(ctx, &cfg, logger)
	if err != nil {
		return Transport{}, errspkg.New(errspkg.ErrConfiguration, "Failed to build sink transport "+cfg.SinkSystem, err)
	}
	return t, nil
}

// SinkSystem returns the configured sink name or DefaultSinkSystem.
func SinkSystem(conf *config.Config) string {
	if conf == nil || conf.SinkSystem == "" {
		return DefaultSinkSystem
	}
	return conf.SinkSystem
}

// Capabilities reports what the configured sink guarantees.
func Capabilities(conf *config.Config) sinktransport.Capabilities {
	return sinktransport.GetCapabilities(SinkSystem(conf))
}

// WithPublisherMetrics wraps the publisher with Watermill's Prometheus
// publisher metrics, labelled with the sink name.
func WithPublisherMetrics(t Transport, registerer prometheus.Registerer, sinkSystem string) (Transport, error) {
	if t.Publisher == nil {
		return t, errspkg.ErrPublisherRequired
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	builder := metrics.NewPrometheusMetricsBuilder(registerer, "sbflow", "sink_"+sinkSystem)
	pub, err := builder.DecoratePublisher(t.Publisher)
	if err != nil {
		return t, err
	}
	t.Publisher = pub
	return t, nil
}
