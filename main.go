package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldops-cloud/internal/config"
	"fieldops-cloud/internal/eventing"
	eventingrepo "fieldops-cloud/internal/eventing/infrastructure/postgres"
	"fieldops-cloud/internal/logging"
	"fieldops-cloud/internal/observability/metrics"
	"fieldops-cloud/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("config error", "error", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open error", "error", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("db ping error", "error", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatal("migrations error", "error", err)
	}

	metrics.Init(db, logger)
	outboxStore := eventingrepo.NewOutboxStore(db)
	dispatcher := eventing.NewDispatcher(eventing.LogSink{Logger: logger}, outboxStore, logger)
	go runDispatcher(ctx, dispatcher, cfg.DispatchInterval, cfg.OutboxBatch, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http listening", "addr", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server error", "error", err)
	}
}

// runDispatcher drains the outbox on every tick until ctx is done.
func runDispatcher(ctx context.Context, dispatcher *eventing.Dispatcher, interval time.Duration, batch int, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := dispatcher.Dispatch(ctx, batch)
			if err != nil {
				logger.Warn("outbox dispatch failed", "error", err)
				continue
			}
			if stats.Sent > 0 || stats.Failed > 0 {
				logger.Info("outbox dispatched", "sent", stats.Sent, "failed", stats.Failed)
			}
		}
	}
}

func loggingMiddleware(next http.Handler, logger *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
