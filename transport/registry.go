package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrConfigRequired is returned by Build when no config is given.
	ErrConfigRequired = errors.New("sink config is required")
	// ErrUnknownSink is returned by Build for a sink name nobody registered.
	ErrUnknownSink = errors.New("unknown sink transport")
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps sink names to builders and capabilities. Names are matched
// case-insensitively, the same way the SinkSystem setting is validated.
// Sink packages add themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the process-wide sink registry.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func sinkKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a builder with name-only capabilities, replacing any
// previous entry.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: sinkKey(name)})
}

func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sinkKey(name)] = entry{build: builder, caps: caps}
}

// GetCapabilities returns the capabilities of a sink, or a value carrying
// only the name when the sink is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	e, ok := r.entries[sinkKey(name)]
	r.mu.RUnlock()
	if !ok {
		return Capabilities{Name: name}
	}
	return e.caps
}

// Build creates the sink selected by cfg.GetSinkSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetSinkSystem()
	r.mu.RLock()
	e, ok := r.entries[sinkKey(name)]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("%w %q (registered: %s)", ErrUnknownSink, name, strings.Join(r.Names(), ", "))
	}
	return e.build(ctx, cfg, logger)
}

// Names returns the registered sink names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[sinkKey(name)]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a sink from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
