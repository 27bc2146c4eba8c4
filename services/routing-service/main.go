package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/server"
)

func main() {
	log := logger.New(routing.ServiceName)

	cfg, err := config.Load(routing.ServiceName)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := database.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Postgres")
	}
	dir := routing.NewGormDirectory(pg)
	if err := dir.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to migrate directory tables")
	}
	if seed, _ := strconv.ParseBool(os.Getenv("ROUTING_SEED")); seed {
		if err := dir.Seed(ctx); err != nil {
			log.WithError(err).Fatal("failed to seed directory")
		}
		log.Info("department directory seeded")
	}

	r := server.NewRouter(log, server.NewRegistry())
	routing.NewHandler(routing.NewEngine(dir), dir).Routes(r)

	if err := server.Run(ctx, ":"+cfg.HTTPPort, r, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
