package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/escalation"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/queue"
	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/server"
	"citizen-report-coordinator/pkg/store"
)

const queueName = "escalation.report-assigned"

func main() {
	log := logger.New("escalation-service")

	cfg, err := config.Load("escalation-service")
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
	if err := watches.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create watch indexes")
	}

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
	if err := queue.DeclareQueue(pubCh, queueName, events.TypeReportAssigned); err != nil {
		log.WithError(err).Fatal("failed to declare queue")
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("failed to open consumer channel")
	}
	defer consumeCh.Close()
	publisher := queue.NewPublisher(pubCh)

	reg := server.NewRegistry()
	machine := lifecycle.NewMachine(reports, watches, publisher, log.WithField("component", "status-machine"))
	scheduler := escalation.NewScheduler(reports, watches, machine, dir, publisher, policy,
		cfg.Scheduler.Escalation(), log.WithField("component", "sla-scheduler"),
		escalation.WithMetrics(escalation.NewMetrics(reg)),
	)
	consumer := queue.NewConsumer(cfg.Consumer.For(queueName), scheduler.HandleAssigned, sink, log)

	r := server.NewRouter(log, reg)
	r.Post("/internal/escalation/scan", func(w http.ResponseWriter, req *http.Request) {
		summary, err := scheduler.Tick(req.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Scan failed", err.Error())
			return
		}
		response.Success(w, http.StatusOK, "Scan complete", summary)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx, consumeCh) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, ":"+cfg.HTTPPort, r, log) })

	log.WithFields(logrus.Fields{
		"profile":       cfg.SLA.Profile,
		"tier1":         policy.Tier1.String(),
		"tier2":         policy.Tier2.String(),
		"scan_interval": cfg.Scheduler.ScanInterval.String(),
	}).Info("escalation service running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("escalation service stopped")
	}
}
