// Command embedb runs an embedding database node. It opens the database
// described by the YAML file at $EMBEDB_CONFIG (default ./embedb.yaml),
// exposes Prometheus metrics and persists all state on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb"
	"github.com/hupe1980/embedb/config"
	promobserver "github.com/hupe1980/embedb/metrics/prometheus"
)

func main() {
	configPath := os.Getenv("EMBEDB_CONFIG")
	if configPath == "" {
		configPath = "./embedb.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}
	logger := cfg.Logger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.Options(ctx)
	if err != nil {
		logger.Fatal("Failed to build options", zap.Error(err))
	}
	opts = append(opts, embedb.WithMetricsObserver(promobserver.New(prometheus.DefaultRegisterer)))

	db, err := embedb.Open(ctx, opts...)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("persist_dir", cfg.Storage.PersistDir), zap.Error(err))
	}
	logger.Info("Database opened",
		zap.String("persist_dir", cfg.Storage.PersistDir),
		zap.Int64("memory_limit_bytes", cfg.Resources.MemoryLimitBytes),
		zap.String("archive", cfg.Archive.Type))

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Starting metrics server", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	stats := db.Stats()
	if err := db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Database closed",
		zap.Int("loaded_segments", stats.LoadedSegments),
		zap.Int64("memory_evictions", stats.MemoryEvictions))
}
