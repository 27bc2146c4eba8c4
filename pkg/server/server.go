// Package server holds the HTTP plumbing shared by every service process.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/response"
)

// NewRegistry returns a metrics registry with the Go runtime and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewRouter returns a router with tracing, request logging and HTTP metrics
// installed, serving /health and /metrics.
func NewRouter(log *logrus.Entry, reg *prometheus.Registry) chi.Router {
	httpMetrics := middleware.NewHTTPMetrics(reg)

	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware, middleware.LoggerMiddleware(log), httpMetrics.Middleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.Success(w, http.StatusOK, "ok", nil)
	})
	r.Handle("/metrics", middleware.MetricsHandler(reg))
	return r
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
