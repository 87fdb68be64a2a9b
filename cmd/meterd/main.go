// Command meterd runs the smart-meter telemetry backend: HTTP ingress,
// the background worker pool, and the daily maintenance driver, all
// sharing one Redis-backed Store.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/config"
	"github.com/meterstack/meterd/internal/logging"
	"github.com/meterstack/meterd/pkg/meter/api"
	"github.com/meterstack/meterd/pkg/meter/ingress"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/metrics"
	"github.com/meterstack/meterd/pkg/meter/query"
	"github.com/meterstack/meterd/pkg/meter/registry"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/worker"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to meterd's YAML configuration")
	registryPath := flag.String("registry", "", "optional static registry config to seed on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	redisStore := store.New(store.Options{
		Addr:     cfg.Store.Addr(),
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})

	met := metrics.New(prometheus.DefaultRegisterer)
	logs := logstream.New(redisStore)
	reg := registry.New(redisStore)
	maintState := maintenance.NewState(redisStore)

	if *registryPath != "" {
		n, err := registry.LoadStatic(context.Background(), reg, *registryPath)
		if err != nil {
			logger.Fatal("cannot load static registry", zap.Error(err))
		}
		logger.Info("loaded static registry", zap.Int("meters", n))
	}

	ing := ingress.New(redisStore, reg, maintState, logger, logs, met, cfg.Ingress.MaxBulkSize)
	agg := query.New(redisStore, reg, logger)
	driver := maintenance.NewDriver(maintState, redisStore, cfg.Maintenance, logger, logs, met)

	pool := worker.New(redisStore, worker.Config{
		Count:              cfg.Worker.Count,
		BatchSize:          cfg.Worker.BatchSize,
		PopTimeout:         cfg.Worker.PopTimeout,
		LockAcquireTimeout: cfg.Worker.LockAcquireTimeout,
		LockHoldTimeout:    cfg.Worker.LockHoldTimeout,
		MaxRetries:         cfg.Worker.MaxRetries,
	}, logger, logs, met)

	srv := api.New(redisStore, ing, agg, driver, maintState, logs, logger, met)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router(),
	}

	ctx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	pool.Start(ctx)

	stopConfigWatch, err := config.Watch(*configPath, logger, func(*config.Config) {
		logger.Info("configuration changed on disk; restart meterd to apply worker/maintenance tuning")
	})
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	} else {
		defer func() { _ = stopConfigWatch() }()
	}

	go func() {
		logger.Info("meterd listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	pool.Stop()
	cancelPool()
}
