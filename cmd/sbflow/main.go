// Command sbflow runs the Service Bus bridge and offers one-shot send and
// receive helpers. Configuration comes from SBFLOW_ environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sbflow:", err)
		stop()
		os.Exit(1)
	}
}
