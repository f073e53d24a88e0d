package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/sbflow"
)

// discardSink satisfies the service; one-shot receives return records directly.
var discardSink = sbflow.SinkFunc(func(context.Context, sbflow.Record) error { return nil })

func newReceiveCmd(opts *globalOptions) *cobra.Command {
	var (
		maxMessages int
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive a bounded batch once and print the records as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			conf, err := opts.loadConfig()
			if err != nil {
				return err
			}
			svc, err := sbflow.TryNewService(conf, log, cmd.Context(), sbflow.ServiceDependencies{Sink: discardSink})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			records, err := svc.Receive(cmd.Context(), sbflow.ReceiveRequest{
				MaxMessages: maxMessages,
				Wait:        wait,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				if err := writeJSON(out, rec); err != nil {
					return err
				}
			}
			if len(records) == 0 {
				log.Info("No messages received", sbflow.LogFields{"wait": wait.String()})
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxMessages, "max-messages", 1, "Maximum number of messages to receive")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the first message")
	return cmd
}
