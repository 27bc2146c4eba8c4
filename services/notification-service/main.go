package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/config"
	"citizen-report-coordinator/pkg/database"
	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/notify"
	"citizen-report-coordinator/pkg/queue"
	"citizen-report-coordinator/pkg/realtime"
	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/security"
	"citizen-report-coordinator/pkg/server"
	"citizen-report-coordinator/pkg/store"
)

const queueName = "notification.lifecycle"

func main() {
	log := logger.New("notification-service")

	cfg, err := config.Load("notification-service")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MongoDB")
	}
	defer db.Client().Disconnect(context.Background())
	reports := store.NewMongoReports(db)

	pg, err := database.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Postgres")
	}
	notifications := notify.NewGormStore(pg)
	if err := notifications.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to migrate notification table")
	}

	rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	defer rdb.Close()

	minioClient, err := database.ConnectMinio(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.UseSSL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MinIO")
	}
	sink := deadletter.NewMinioSink(minioClient, cfg.Minio.DeadLetterBucket)
	if err := sink.EnsureBucket(ctx); err != nil {
		log.WithError(err).Fatal("failed to prepare dead-letter bucket")
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
	if err := queue.DeclareQueue(ch, queueName, events.AllTypes...); err != nil {
		log.WithError(err).Fatal("failed to declare queue")
	}

	cipher, err := security.NewCipherFromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to initialise reporter id encryption")
	}

	reg := server.NewRegistry()
	breakers := breaker.NewRegistry(cfg.Breaker.Settings(),
		breaker.WithLogger(log.WithField("component", "breaker")),
		breaker.WithMetrics(breaker.NewMetrics(reg)),
	)
	relay := notify.NewRelay(reports, notifications, realtime.NewRedisPusher(rdb), log.WithField("component", "relay"),
		notify.WithDeduper(notify.NewRedisDeduper(rdb)),
		notify.WithDecrypter(cipher),
		notify.WithBreakers(breakers),
		notify.WithMetrics(notify.NewMetrics(reg)),
	)
	consumer := queue.NewConsumer(cfg.Consumer.For(queueName), relay.Handle, sink, log)

	r := server.NewRouter(log, reg)
	r.Get("/internal/breakers", func(w http.ResponseWriter, _ *http.Request) {
		response.Success(w, http.StatusOK, "Circuit breakers", breakers.Snapshots())
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware([]byte(cfg.JWTSecret)))
		notify.NewHandler(notifications).Routes(r)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx, ch) })
	g.Go(func() error { return server.Run(gctx, ":"+cfg.HTTPPort, r, log) })

	log.WithField("queue", queueName).Info("notification service running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("notification service stopped")
	}
}
