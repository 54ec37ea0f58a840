// Command timeindexd runs the existence-index service: the index engine over
// a Redis fast store, optional Postgres persistence, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/e4s-data/timeindex/config"
	"github.com/e4s-data/timeindex/durable"
	"github.com/e4s-data/timeindex/engine"
	"github.com/e4s-data/timeindex/kvstore"
	"github.com/e4s-data/timeindex/logger"
	"github.com/e4s-data/timeindex/reindex"
	"github.com/e4s-data/timeindex/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := kvstore.NewRedis(ctx, kvstore.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.BackendTimeout,
	})
	if err != nil {
		return err
	}
	defer kv.Close()
	log.Info("Connected to fast store", zap.String("addr", cfg.RedisAddr))

	opts := []engine.Option{
		engine.WithCacheSize(cfg.CacheMaxSize),
		engine.WithFlushInterval(cfg.FlushInterval),
		engine.WithAsyncWrite(cfg.PersistenceAsyncWrite),
	}

	var pg *durable.Postgres
	if cfg.PersistenceEnabled {
		db, err := durable.Open(cfg.PostgresDSN, cfg.BackendTimeout)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := durable.NewMigrator(log, db, cfg.PersistenceSchema).Up(ctx); err != nil {
			return err
		}
		pg = durable.NewPostgres(log, db, cfg.PersistenceSchema)
		opts = append(opts, engine.WithDurable(pg))
		log.Info("Durable persistence enabled", zap.String("schema", cfg.PersistenceSchema))
	}

	eng := engine.New(log, kv, opts...)
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("Closing engine failed", zap.Error(err))
		}
	}()

	indexHandler := transport.NewIndexHandler(log, eng)
	var adminHandler *transport.AdminHandler
	if pg != nil {
		reindexSvc := reindex.NewService(log, eng, pg,
			reindex.WithStatusStore(pg),
			reindex.WithBatchSize(cfg.PersistenceBatchSize))
		adminHandler = transport.NewAdminHandler(log, eng, reindexSvc)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transport.NewPlatformHandler(indexHandler, adminHandler),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	return nil
}
