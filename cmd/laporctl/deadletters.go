package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/queue"
)

type letterLister interface {
	List(ctx context.Context, queue string) ([]deadletter.Letter, error)
}

func deadLettersCmd() *cobra.Command {
	var (
		replay  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deadletters <queue>",
		Short: "List or replay events that exhausted their delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := config.Load("laporctl")
			if err != nil {
				return err
			}
			client, err := database.ConnectMinio(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.UseSSL)
			if err != nil {
				return err
			}
			sink := deadletter.NewMinioSink(client, cfg.Minio.DeadLetterBucket)

			var publisher events.Publisher
			if replay {
				conn, ch, err := queue.ConnectRabbitMQ(cfg.RabbitMQURL)
				if err != nil {
					return err
				}
				defer conn.Close()
				defer ch.Close()
				publisher = queue.NewPublisher(ch)
			}
			return printDeadLetters(ctx, cmd.OutOrStdout(), sink, args[0], publisher)
		},
	}

	cmd.Flags().BoolVar(&replay, "replay", false, "publish every listed event again")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall time limit")
	return cmd
}

// printDeadLetters lists the letters of queue and republishes them when
// publisher is set.
func printDeadLetters(ctx context.Context, out io.Writer, src letterLister, queueName string, publisher events.Publisher) error {
	letters, err := src.List(ctx, queueName)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	if len(letters) == 0 {
		fmt.Fprintf(out, "No dead letters for %s\n", queueName)
		return nil
	}

	failed := color.New(color.FgRed).SprintFunc()
	replayed := 0
	for _, l := range letters {
		fmt.Fprintf(out, "%s  %-22s %-38s attempts=%d  %s\n",
			l.FailedAt.Format(time.RFC3339), l.EventType, l.EventID, l.Attempts, failed(l.Reason))
		if publisher == nil {
			continue
		}
		var e events.Envelope
		if err := json.Unmarshal(l.Body, &e); err != nil {
			fmt.Fprintf(out, "  skipped: body is not an event envelope\n")
			continue
		}
		if err := publisher.Publish(ctx, e); err != nil {
			return fmt.Errorf("replay %s: %w", e.ID, err)
		}
		replayed++
	}
	if publisher != nil {
		fmt.Fprintf(out, "Replayed %d of %d\n", replayed, len(letters))
	}
	return nil
}
