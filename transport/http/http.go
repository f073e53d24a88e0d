// Package http provides an HTTP webhook sink: each record is POSTed to the
// publisher base URL joined with the sink topic.
package http

import (
	"context"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// Timeout bounds a single webhook call.
var Timeout = 30 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP sink.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()
	if publisherURL == "" {
		return transport.Transport{}, fmt.Errorf("http: publisher URL is required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: MarshalRecord(publisherURL),
			Client:             &nethttp.Client{Timeout: Timeout},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher}, nil
}

// MarshalRecord builds the webhook request for a record. The target URL is
// baseURL joined with the topic, and the record's content type header is set
// from the sbflow encoding.
func MarshalRecord(baseURL string) http.MarshalMessageFunc {
	base := strings.TrimSuffix(baseURL, "/")
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		req, err := http.DefaultMarshalMessageFunc(base+"/"+strings.TrimPrefix(topic, "/"), msg)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType(msg.Metadata.Get(metadata.KeyEncoding)))
		return req, nil
	}
}

func contentType(encoding string) string {
	if encoding == "protobuf" {
		return "application/x-protobuf"
	}
	return "application/json"
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
