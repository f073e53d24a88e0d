package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/sbflow"
)

func newListenCmd(opts *globalOptions) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive continuously and hand every record to the configured sink",
		Long: "Receive continuously from the configured queue or subscription and hand every record " +
			"to the sink selected by SBFLOW_SINK_SYSTEM. Without a sink system, records are written " +
			"as JSON lines to SBFLOW_IO_FILE, or stdout when it is unset.\n\n" +
			"With SBFLOW_COMPLETION_POLICY=auto (the default) messages are settled on delivery, so a " +
			"record the sink rejects is not redelivered. Set it to manual to complete each message " +
			"only after the sink accepted it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			conf, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if conf.SinkSystem == "" && conf.IOFile == "" {
				conf.IOFile = "-"
			}

			deps := sbflow.ServiceDependencies{}
			if verbose {
				deps.Hooks = sbflow.LoggingHooks(log)
			}
			svc, err := sbflow.TryNewService(conf, log, cmd.Context(), deps)
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&verbose, "log-dispatch", false, "Log every message callback")
	return cmd
}
