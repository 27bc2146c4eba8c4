package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/escalation"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/queue"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/store"
)

func scanCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one escalation scan against the configured databases",
		Long: `scan claims every expired escalation watch once and escalates the report,
exactly as one tick of the escalation service would. It is safe to run next
to a running escalation service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := config.Load("laporctl")
			if err != nil {
				return err
			}
			policy, err := cfg.SLA.Policy()
			if err != nil {
				return err
			}
			log := logger.New("laporctl")

			db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
			if err != nil {
				return err
			}
			defer db.Client().Disconnect(context.Background())

			pg, err := database.ConnectPostgres(cfg.PostgresDSN)
			if err != nil {
				return err
			}

			conn, ch, err := queue.ConnectRabbitMQ(cfg.RabbitMQURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			defer ch.Close()
			if err := queue.DeclareExchange(ch); err != nil {
				return err
			}
			publisher := queue.NewPublisher(ch)

			reports := store.NewMongoReports(db)
			watches := store.NewMongoWatches(db)
			machine := lifecycle.NewMachine(reports, watches, publisher, log.WithField("component", "status-machine"))
			scheduler := escalation.NewScheduler(reports, watches, machine, routing.NewGormDirectory(pg), publisher,
				policy, cfg.Scheduler.Escalation(), log.WithField("component", "sla-scheduler"))

			summary, err := scheduler.Tick(ctx)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned:   %d\n", summary.Scanned)
			fmt.Fprintf(out, "Escalated: %s\n", color.New(color.FgYellow).Sprint(summary.Escalated))
			fmt.Fprintf(out, "Re-armed:  %d\n", summary.Rearmed)
			fmt.Fprintf(out, "Skipped:   %d\n", summary.Skipped)
			if summary.Failed > 0 {
				fmt.Fprintf(out, "Failed:    %s\n", color.New(color.FgRed).Sprint(summary.Failed))
			} else {
				fmt.Fprintf(out, "Failed:    %d\n", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall time limit for the scan")
	return cmd
}
