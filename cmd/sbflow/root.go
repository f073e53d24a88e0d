package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drblury/sbflow"
)

type globalOptions struct {
	envFiles  []string
	logLevel  string
	logFormat string

	queue        string
	topic        string
	subscription string
	sessionMode  string
	sessionID    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "sbflow",
		Short:         "Bridge Azure Service Bus queues and subscriptions to message sinks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Env files loaded before reading SBFLOW_ variables (missing files are skipped)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "json", "Log format: json or text")
	flags.StringVar(&opts.queue, "queue", "", "Queue to receive from (overrides SBFLOW_QUEUE)")
	flags.StringVar(&opts.topic, "topic", "", "Topic to receive from (overrides SBFLOW_TOPIC)")
	flags.StringVar(&opts.subscription, "subscription", "", "Subscription of --topic (overrides SBFLOW_SUBSCRIPTION)")
	flags.StringVar(&opts.sessionMode, "session-mode", "", "Session mode: none, any or specific (overrides SBFLOW_SESSION_MODE)")
	flags.StringVar(&opts.sessionID, "session-id", "", "Session owned in specific mode (overrides SBFLOW_SESSION_ID)")

	cmd.AddCommand(newListenCmd(opts), newReceiveCmd(opts), newSendCmd(opts))
	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func (o *globalOptions) loadConfig() (*sbflow.Config, error) {
	if _, err := sbflow.LoadEnv(o.envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	conf, err := sbflow.FromEnv()
	if err != nil {
		return nil, err
	}
	if o.queue != "" || o.topic != "" || o.subscription != "" {
		conf.Queue, conf.Topic, conf.Subscription = o.queue, o.topic, o.subscription
	}
	if o.sessionMode != "" {
		conf.SessionMode = o.sessionMode
	}
	if o.sessionID != "" {
		conf.SessionID = o.sessionID
	}
	return conf, nil
}

func (o *globalOptions) logger() (sbflow.ServiceLogger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr; stdout carries records.
	var handler slog.Handler
	switch strings.ToLower(o.logFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
	return sbflow.NewSlogServiceLogger(slog.New(handler)), nil
}
