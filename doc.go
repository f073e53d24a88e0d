// Package sbflow bridges Azure Service Bus queues and topic subscriptions to
// Watermill sinks. It reads the receive target, session mode and sink transport
// (Kafka, RabbitMQ, AWS SNS, NATS, HTTP, I/O, or Go Channels) from Config,
// owns one broker connection, and turns every delivery into a normalized
// Record handed to the sink.
//
// Service hosts the receive loops and exposes one-shot helpers: Send
// publishes messages to any queue or topic, and Receive pulls a bounded batch
// without starting the loops. A minimal setup therefore involves filling
// Config (or calling FromEnv), creating a Service, and calling Run.
//
// # Sessions
//
// With SessionMode "specific" the service owns one named session and keeps
// re-acquiring it after lock loss or broker errors. With "any" it claims up to
// MaxSessions next-available sessions and hands each back once it goes idle.
// Records delivered through a session carry the session id and its decoded
// state.
//
// # Completion
//
// Under the "auto" policy the broker settles messages on delivery. Under
// "manual" each message is completed only after the sink accepted its record,
// and records of one handle reach the sink in broker order.
//
// # Sinks
//
// ServiceDependencies.Sink takes any Sink. Without one the sink transport named
// by SinkSystem is built and records are published to SinkTopic as JSON or
// protobuf. Custom transports are registered with RegisterTransport.
//
// # Observability
//
// Prometheus collectors are served on /metrics when MetricsEnabled is set, and
// an optional status endpoint lists owned sessions and dispatch counters.
package sbflow
