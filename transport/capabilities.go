package transport

// Capabilities describes what a sink backend guarantees for published records.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates records published in sequence are delivered in
	// that sequence, at least per partition key.
	SupportsOrdering bool

	// SupportsPartitioning indicates records are partitioned by session id, so
	// ordering holds per session rather than per topic.
	SupportsPartitioning bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple records.
	SupportsBatching bool

	// Durable indicates records outlive the process once Publish returns.
	Durable bool

	// MaxMessageSize is the maximum record size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// PreservesSessionOrder reports whether records of one session reach the
// consumer in the order they were emitted.
func (c Capabilities) PreservesSessionOrder() bool {
	return c.SupportsOrdering || c.SupportsPartitioning
}

// Fits reports whether a record of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in sinks.
var (
	// ChannelCapabilities for the in-memory Go channel sink.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	// KafkaCapabilities for the Apache Kafka sink.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		Durable:              true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP sink.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
	}

	// NATSCapabilities for the NATS Core sink.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for the NATS JetStream sink. A stream keeps
	// publish order per subject, and the sink writes to a single subject.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// AWSCapabilities for the AWS SNS sink.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		Durable:         true,
		MaxMessageSize:  262144, // 256KB
	}

	// SQSCapabilities for the AWS SQS sink.
	SQSCapabilities = Capabilities{
		Name:           "sqs",
		Durable:        true,
		MaxMessageSize: 262144, // 256KB
	}

	// HTTPCapabilities for the HTTP webhook sink.
	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// IOCapabilities for the JSON lines file sink.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		Durable:          true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
