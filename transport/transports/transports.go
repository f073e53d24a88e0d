// Package transports imports every built-in sink for registration.
// Import it for side effects to make all sinks available to transport.Build.
package transports

import (
	// Imported for side-effect registration.
	_ "github.com/drblury/sbflow/transport/aws"
	_ "github.com/drblury/sbflow/transport/channel"
	_ "github.com/drblury/sbflow/transport/http"
	_ "github.com/drblury/sbflow/transport/io"
	_ "github.com/drblury/sbflow/transport/jetstream"
	_ "github.com/drblury/sbflow/transport/kafka"
	_ "github.com/drblury/sbflow/transport/nats"
	_ "github.com/drblury/sbflow/transport/rabbitmq"
)
