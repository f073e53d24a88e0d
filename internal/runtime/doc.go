/*
Package runtime hosts the Service Bus bridge: it owns one broker connection,
the session registry, and the sink, and runs the receive loops that turn broker
deliveries into records.

# Architecture Overview

A Service is built from a validated config.Config. Start dials the namespace
lazily, resolves the receive target, and starts one of three receive shapes:

  - none: a single plain receiver on the queue or subscription
  - specific: the named session, re-owned after every failure
  - any: up to MaxSessions next-available sessions, each handed back when idle

Every handle is driven by a dispatch.Loop under the recovery.Controller, which
decides whether a failed handle is rebuilt, retried after a delay, or given up.

# Package Structure

## Core Service (service.go, subscription.go)

Service wires the dialer, the sink, the metrics collectors, and the session
registry. Subscription is the running set of loops; Stop drains in-flight
callbacks and then closes receivers, sessions, senders, the connection, and the
sink, in that order.

## One-shot operations (send.go, receive.go)

Send publishes messages to any queue or topic through a cached sender.
Receive pulls a bounded batch once and releases its receiver or session before
returning.

## Status (status.go, resources.go)

An optional HTTP endpoint reports owned sessions, dispatch counters, and
process resource usage. Prometheus metrics are served on /metrics.

# Sub-packages

  - broker/: The broker boundary (connections, receivers, session receivers, senders)
  - broker/brokertest/: In-memory broker for tests
  - config/: Environment driven configuration and connection string parsing
  - dispatch/: Ordered receive loops, records, and sinks
  - errors/: Failure kinds
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Record metadata carried by sink messages
  - metrics/: Per-target counters and Prometheus collectors
  - normalize/: Body normalization
  - recovery/: Failure classification and handle re-acquisition
  - session/: Session negotiation, lock renewal, and the registry
  - transport/: Sink transport selection (Kafka, RabbitMQ, NATS, HTTP, SNS, I/O, channel)

# Usage Example

	conf, err := sbflow.FromEnv()
	if err != nil {
		return err
	}
	svc, err := sbflow.TryNewService(conf, logger, ctx, sbflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
*/
package runtime
