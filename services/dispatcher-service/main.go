package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/dispatch"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/queue"
	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/server"
	"citizen-report-coordinator/pkg/store"
)

const queueName = "dispatcher.report-created"

func main() {
	log := logger.New("dispatcher-service")

	cfg, err := config.Load("dispatcher-service")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	policy, err := cfg.SLA.Policy()
	if err != nil {
		log.WithError(err).Fatal("invalid SLA profile")
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

	pg, err := database.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Postgres")
	}
	dir := routing.NewGormDirectory(pg)

	minioClient, err := database.ConnectMinio(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.UseSSL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MinIO")
	}
	sink := deadletter.NewMinioSink(minioClient, cfg.Minio.DeadLetterBucket)
	if err := sink.EnsureBucket(ctx); err != nil {
		log.WithError(err).Fatal("failed to prepare dead-letter bucket")
	}

	conn, pubCh, err := queue.ConnectRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to RabbitMQ")
	}
	defer conn.Close()
	defer pubCh.Close()
	if err := queue.DeclareExchange(pubCh); err != nil {
		log.WithError(err).Fatal("failed to declare exchange")
	}
	if err := queue.DeclareQueue(pubCh, queueName, events.TypeReportCreated); err != nil {
		log.WithError(err).Fatal("failed to declare queue")
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("failed to open consumer channel")
	}
	defer consumeCh.Close()
	publisher := queue.NewPublisher(pubCh)

	reg := server.NewRegistry()
	breakers := breaker.NewRegistry(cfg.Breaker.Settings(),
		breaker.WithLogger(log.WithField("component", "breaker")),
		breaker.WithMetrics(breaker.NewMetrics(reg)),
	)
	router := routing.NewClient(cfg.RoutingServiceURL, &http.Client{}, breakers)

	machine := lifecycle.NewMachine(reports, watches, publisher, log.WithField("component", "status-machine"))
	dispatcher := dispatch.New(reports, router, dir, machine, publisher, policy, log.WithField("component", "dispatcher"))
	consumer := queue.NewConsumer(cfg.Consumer.For(queueName), dispatcher.HandleCreated, sink, log)

	r := server.NewRouter(log, reg)
	r.Get("/internal/breakers", func(w http.ResponseWriter, _ *http.Request) {
		response.Success(w, http.StatusOK, "Circuit breakers", breakers.Snapshots())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx, consumeCh) })
	g.Go(func() error { return server.Run(gctx, ":"+cfg.HTTPPort, r, log) })

	log.WithField("queue", queueName).Info("dispatcher service running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("dispatcher service stopped")
	}
}
