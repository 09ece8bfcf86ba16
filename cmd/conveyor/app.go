package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360studio/conveyor/config"
	"github.com/c360studio/conveyor/coordination"
	"github.com/c360studio/conveyor/engine"
	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/httpapi"
	"github.com/c360studio/conveyor/metrics"
	"github.com/c360studio/conveyor/queue"
	"github.com/c360studio/conveyor/queue/memqueue"
	"github.com/c360studio/conveyor/queue/natsqueue"
	"github.com/c360studio/conveyor/stage"
	"github.com/c360studio/conveyor/store"
	"github.com/c360studio/conveyor/store/memstore"
	"github.com/c360studio/conveyor/store/pgstore"
	"github.com/c360studio/conveyor/task"
)

// run wires the dispatcher with concrete implementations of the external
// interfaces and blocks until shutdown.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Queue transport and event bus.
	var (
		q   queue.Queue
		pub events.Publisher = events.Noop{}
	)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		q, err = natsqueue.New(ctx, nc, natsqueue.DefaultConfig(), logger)
		if err != nil {
			return err
		}
		pub = events.NewNATSPublisher(nc, logger)
		logger.Info("using NATS work queue", "url", cfg.NATS.URL)
	} else {
		q = memqueue.New()
		logger.Warn("no NATS URL configured; using the in-memory queue (single node, not durable)")
	}

	// Execution repository.
	var repo store.ExecutionRepository
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := pgstore.New(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		repo = pg
		logger.Info("using Postgres execution repository")
	default:
		repo = memstore.New()
		logger.Warn("using the in-memory execution repository (not durable)")
	}

	// Locking and admission.
	var (
		locker    coordination.ExecutionLocker
		admission coordination.Admission
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer func() { _ = client.Close() }()

		hostname, _ := os.Hostname()
		locker = coordination.NewRedisLocker(client, fmt.Sprintf("%s-%d", hostname, os.Getpid()))
		admission = coordination.NewRedisAdmission(client)
		logger.Info("using Redis locking and admission", "addr", cfg.Redis.Addr)
	} else {
		locker = coordination.NewMemoryLocker()
		admission = coordination.NewMemoryAdmission()
	}

	// Stage and task catalogs.
	stages := stage.NewRegistry()
	tasks := task.NewRegistry()
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if err := stage.RegisterBuiltins(stages, tasks, httpClient); err != nil {
		return fmt.Errorf("register stage types: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	eng, err := engine.New(engine.Deps{
		Queue:     q,
		Repo:      repo,
		Events:    pub,
		Stages:    stages,
		Tasks:     tasks,
		Locker:    locker,
		Admission: admission,
		Metrics:   metrics.New(registry),
		Logger:    logger,
	}, engine.Options{
		Workers: cfg.Queue.Workers,
		RetryPolicy: engine.RetryPolicy{
			BaseDelay: cfg.Queue.RetryBaseDelay.Std(),
		},
		MaxMessageAttempts: cfg.Queue.MaxAttempts,
		HandlerTimeout:     cfg.Queue.HandlerTimeout.Std(),
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	api := httpapi.New(repo, q, logger, registry)
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
