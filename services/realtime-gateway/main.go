package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/realtime"
	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/server"
)

func main() {
	log := logger.New("realtime-gateway")

	cfg, err := config.Load("realtime-gateway")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	defer rdb.Close()

	hub := realtime.NewHub()
	gateway := realtime.NewGateway(hub, []byte(cfg.JWTSecret), log.WithField("component", "gateway"))

	r := server.NewRouter(log, server.NewRegistry())
	r.Get("/internal/stats", func(w http.ResponseWriter, _ *http.Request) {
		response.Success(w, http.StatusOK, "Realtime gateway stats", map[string]interface{}{
			"connected": hub.Connected(),
			"dropped":   hub.Dropped(),
		})
	})
	gateway.Routes(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return realtime.Relay(gctx, rdb, hub, log.WithField("component", "redis-relay")) })
	g.Go(func() error { return server.Run(gctx, ":"+cfg.HTTPPort, r, log) })

	log.Info("realtime gateway running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("realtime gateway stopped")
	}
}
