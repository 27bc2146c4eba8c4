package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/queue"
	"citizen-report-coordinator/pkg/security"
	"citizen-report-coordinator/pkg/server"
	"citizen-report-coordinator/pkg/store"
)

func main() {
	log := logger.New("report-service")

	cfg, err := config.Load("report-service")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	policy, err := cfg.SLA.Policy()
	if err != nil {
		log.WithError(err).Fatal("invalid SLA configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MongoDB")
	}
	defer db.Client().Disconnect(context.Background())

	reports := store.NewMongoReports(db)
	watches := store.NewMongoWatches(db)
	if err := reports.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create report indexes")
	}
	if err := watches.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create watch indexes")
	}

	conn, ch, err := queue.ConnectRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to RabbitMQ")
	}
	defer conn.Close()
	defer ch.Close()
	if err := queue.DeclareExchange(ch); err != nil {
		log.WithError(err).Fatal("failed to declare exchange")
	}
	publisher := queue.NewPublisher(ch)
	log.Info("connected to RabbitMQ")

	cipher, err := security.NewCipherFromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to initialise reporter id encryption")
	}

	machine := lifecycle.NewMachine(reports, watches, publisher, log.WithField("component", "status-machine"))
	handler := NewHandler(reports, machine, publisher, cipher, policy, log.WithField("component", "report-api"))

	r := server.NewRouter(log, server.NewRegistry())
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware([]byte(cfg.JWTSecret)))
		handler.Routes(r)
	})

	if err := server.Run(ctx, ":"+cfg.HTTPPort, r, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
