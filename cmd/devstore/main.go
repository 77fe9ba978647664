package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opsdeck/livesync/internal/config"
	"github.com/opsdeck/livesync/internal/seed"
	"github.com/opsdeck/livesync/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load config
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Backend),
		zap.String("fixture", cfg.FixturePath),
	)

	// Load fixture
	var bundle *seed.Bundle
	if cfg.FixturePath != "" {
		bundle, err = seed.Load(cfg.FixturePath)
		if err != nil {
			logger.Error("failed to load fixture", zap.Error(err))
			return 1
		}
	} else {
		bundle = seed.Default()
	}

	// Open backend
	var backend server.Backend
	switch cfg.Backend {
	case "memory":
		backend = server.NewMemoryBackend()
	case "sqlite":
		backend, err = server.NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite backend", zap.Error(err))
			return 1
		}
	}
	defer backend.Close()

	registry := bundle.Registry()

	// Seed rows. A sqlite backend that already holds the fixture rows will
	// reject the duplicates; that just means a previous run seeded it.
	applied, err := bundle.Apply(backend)
	if err != nil {
		logger.Warn("seeding stopped early", zap.Int("applied", applied), zap.Error(err))
	} else {
		logger.Info("fixture applied",
			zap.Int("rows", applied),
			zap.Strings("collections", registry.Names()),
		)
	}

	// Create context for feed shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := server.NewFeed(logger)
	go feed.Run(ctx)

	srv := server.NewServer(registry, backend, feed, logger)

	// Fixture hot-reload is only meaningful with a file to re-read.
	var reload http.Handler
	if cfg.FixturePath != "" {
		reload = seed.NewReloader(registry, backend, cfg.FixturePath, logger)
	}
	router := server.NewRouter(srv, feed, reload, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting dev store", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down dev store...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("dev store stopped")
	return 0
}

func buildLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zapConfig.Build()
}
