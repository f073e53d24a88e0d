// Package io provides a JSON lines sink: every record is appended to a file,
// or written to stdout when the configured file is "-".
package io

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "records.jsonl"

// Stdout selects standard output instead of a file.
const Stdout = "-"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if filePath == Stdout {
		return NewWriterPublisher(os.Stdout, logger), nil
	}
	return &Publisher{filePath: filePath, logger: logger}, nil
}

func init() {
	Register()
}

// Register registers the I/O sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O sink.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: pub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Line is one JSON line written by the sink. JSON payloads are embedded as
// is; anything else is carried base64 encoded in PayloadBytes.
type Line struct {
	UUID         string            `json:"uuid"`
	Topic        string            `json:"topic"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	PayloadBytes []byte            `json:"payload_bytes,omitempty"`
}

// NewLine builds the line for msg.
func NewLine(topic string, msg *message.Message) Line {
	l := Line{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata}
	if jsoncodec.Valid(msg.Payload) {
		l.Payload = json.RawMessage(msg.Payload)
	} else {
		l.PayloadBytes = msg.Payload
	}
	return l
}

// Publisher appends records to a file, opening it per publish so rotated
// files are picked up.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// Publish writes messages to the file.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return writeLines(f, topic, messages)
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// WriterPublisher writes records to an io.Writer it does not own.
type WriterPublisher struct {
	w      io.Writer
	logger watermill.LoggerAdapter
	mu     sync.Mutex
}

// NewWriterPublisher creates a publisher writing JSON lines to w.
func NewWriterPublisher(w io.Writer, logger watermill.LoggerAdapter) *WriterPublisher {
	return &WriterPublisher{w: w, logger: logger}
}

// Publish writes messages to the writer.
func (p *WriterPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeLines(p.w, topic, messages)
}

// Close is a no-op; the writer belongs to the caller.
func (p *WriterPublisher) Close() error {
	return nil
}

func writeLines(w io.Writer, topic string, messages []*message.Message) error {
	for _, msg := range messages {
		b, err := jsoncodec.Marshal(NewLine(topic, msg))
		if err != nil {
			return err
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
