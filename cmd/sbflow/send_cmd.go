package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/sbflow"
)

type sendOutput struct {
	Entity     string   `json:"entity"`
	MessageIDs []string `json:"messageIds"`
}

type sendOptions struct {
	body          string
	bodyFile      string
	asJSON        bool
	contentType   string
	messageID     string
	correlationID string
	subject       string
	properties    map[string]string
	ttl           time.Duration
	scheduledAt   string
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send <queue-or-topic>",
		Short: "Send one message to a queue or topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := args[0]
			msg, err := so.message(cmd.InOrStdin(), opts.sessionID)
			if err != nil {
				return err
			}
			log, err := opts.logger()
			if err != nil {
				return err
			}
			conf, err := opts.loadConfig()
			if err != nil {
				return err
			}
			// A receive target is only needed for validation here.
			if _, err := conf.Target(); err != nil && conf.Queue == "" && conf.Topic == "" {
				conf.Queue = entity
			}

			svc, err := sbflow.TryNewService(conf, log, cmd.Context(), sbflow.ServiceDependencies{Sink: discardSink})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			ids, err := svc.Send(cmd.Context(), entity, msg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sendOutput{Entity: entity, MessageIDs: ids})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&so.body, "body", "", "Message body")
	flags.StringVar(&so.bodyFile, "body-file", "", `Read the body from a file, or stdin with "-"`)
	flags.BoolVar(&so.asJSON, "json", false, "Treat the body as JSON and set the JSON content type")
	flags.StringVar(&so.contentType, "content-type", "", "Content type")
	flags.StringVar(&so.messageID, "message-id", "", "Message id (defaults to a new ULID)")
	flags.StringVar(&so.correlationID, "correlation-id", "", "Correlation id")
	flags.StringVar(&so.subject, "subject", "", "Subject")
	flags.StringToStringVar(&so.properties, "property", nil, "Application property as key=value (repeatable)")
	flags.DurationVar(&so.ttl, "ttl", 0, "Time to live")
	flags.StringVar(&so.scheduledAt, "scheduled-at", "", "Scheduled enqueue time (RFC3339)")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}

func (o *sendOptions) message(stdin io.Reader, sessionID string) (sbflow.OutboundMessage, error) {
	msg := sbflow.OutboundMessage{
		ContentType:   o.contentType,
		MessageID:     o.messageID,
		SessionID:     sessionID,
		CorrelationID: o.correlationID,
		Subject:       o.subject,
		TimeToLive:    o.ttl,
	}

	body := []byte(o.body)
	switch o.bodyFile {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return msg, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		body = b
	default:
		b, err := os.ReadFile(o.bodyFile)
		if err != nil {
			return msg, fmt.Errorf("failed to read body file: %w", err)
		}
		body = b
	}
	if o.asJSON {
		if !json.Valid(body) {
			return msg, errors.New("--json body is not valid JSON")
		}
		msg.Body = json.RawMessage(body)
	} else {
		msg.Body = body
	}

	if len(o.properties) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(o.properties))
		for k, v := range o.properties {
			msg.ApplicationProperties[k] = v
		}
	}
	if o.scheduledAt != "" {
		t, err := time.Parse(time.RFC3339, o.scheduledAt)
		if err != nil {
			return msg, fmt.Errorf("invalid --scheduled-at: %w", err)
		}
		msg.ScheduledEnqueueTime = t
	}
	return msg, nil
}
