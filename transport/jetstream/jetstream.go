// Package jetstream provides a NATS JetStream sink: records are published to a
// durable stream so the workflow engine can replay them.
package jetstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/sbflow/transport"
	sinknats "github.com/drblury/sbflow/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "SBFLOW"

	// DefaultMaxAge is how long the stream keeps records.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// JetStream is the part of nats.JetStreamContext the sink uses.
type JetStream interface {
	AddStream(cfg *natsgo.StreamConfig, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
	UpdateStream(cfg *natsgo.StreamConfig, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
	PublishMsg(m *natsgo.Msg, opts ...natsgo.PubOpt) (*natsgo.PubAck, error)
}

// ConnectFactory allows overriding the connection for testing. The returned
// func closes the connection.
var ConnectFactory = func(url string, opts ...natsgo.Option) (JetStream, func(), error) {
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return js, nc.Close, nil
}

func init() {
	Register()
}

// Register registers the JetStream sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Build connects to NATS, makes sure the stream exists and returns a
// publish-only sink.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetNATSStream(),
		Replicas:   cfg.GetNATSStreamReplicas(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub}, nil
}

// Config holds the JetStream sink settings.
type Config struct {
	URL string
	// StreamName defaults to DefaultStreamName. The stream captures every
	// subject below "<StreamName>.".
	StreamName string
	// Replicas defaults to 1.
	Replicas int
	// MaxAge defaults to DefaultMaxAge.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Publisher publishes records to a JetStream stream.
type Publisher struct {
	js        JetStream
	closeConn func()
	config    Config
	logger    watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// New connects and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats-jetstream: URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	js, closeConn, err := ConnectFactory(cfg.URL, sinknats.ConnectOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS JetStream: %w", err)
	}
	p := &Publisher{js: js, closeConn: closeConn, config: cfg, logger: logger}
	if err := p.ensureStream(); err != nil {
		closeConn()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	streamCfg := &natsgo.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.StreamName + ".>"},
		Retention: natsgo.LimitsPolicy,
		MaxAge:    p.config.MaxAge,
		Replicas:  p.config.Replicas,
	}
	if _, err := p.js.AddStream(streamCfg); err != nil {
		if _, uerr := p.js.UpdateStream(streamCfg); uerr != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", p.config.StreamName, uerr)
		}
		p.logger.Info("JetStream stream updated", watermill.LogFields{"stream": p.config.StreamName})
	}
	return nil
}

// Publish sends each message to "<stream>.<topic>". The message UUID is used
// as the JetStream message id, so a retried publish is deduplicated.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("nats-jetstream: publisher is closed")
	}

	subject := p.topicToSubject(topic)
	for _, msg := range messages {
		headers := natsgo.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		natsMsg := &natsgo.Msg{Subject: subject, Data: msg.Payload, Header: headers}
		if _, err := p.js.PublishMsg(natsMsg, natsgo.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("failed to publish to JetStream subject %s: %w", subject, err)
		}
	}
	return nil
}

func (p *Publisher) topicToSubject(topic string) string {
	return p.config.StreamName + "." + topic
}

// Close closes the NATS connection. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeConn()
	return nil
}
