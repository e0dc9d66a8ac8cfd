package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wavelink/wavelink/internal/api"
	"github.com/wavelink/wavelink/internal/config"
	"github.com/wavelink/wavelink/internal/engine"
	"github.com/wavelink/wavelink/internal/metrics"
	"github.com/wavelink/wavelink/internal/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting wavelink",
		"http_port", cfg.HTTPPort,
		"opus_bitrate", cfg.OpusBitrate,
		"tape_duration_ms", cfg.TapeDurationMs,
	)

	// Process-wide buffer pool: explicit init from configuration,
	// drained on shutdown.
	pool.Init(pool.Config{
		MaxTotalBytes:     cfg.PoolMaxBytes,
		MaxPerBucket:      cfg.PoolMaxPerBucket,
		IdleEvictInterval: cfg.PoolEvictInterval,
	})
	defer pool.Shutdown()
	bufPool := pool.Default()

	// Event hub doubles as the engine's sink and the websocket surface.
	hub := api.NewHub(logger)

	eng := engine.New(engine.Settings{
		Tape: engine.TapeConfig{
			DurationMs: cfg.TapeDurationMs,
			Curve:      engine.TapeCurve(cfg.TapeCurve),
		},
		StuckThresholdMs: cfg.StuckThresholdMs,
		UpdateInterval:   cfg.UpdateInterval(),
		OpusBitrate:      cfg.OpusBitrate,
		SilenceFrames:    cfg.SilenceFrames,
		ReaderHighWater:  cfg.ReaderHighWater,
		ForwardSkipCap:   cfg.ForwardSkipCap,
	}, hub, bufPool, logger)
	defer eng.DestroyAll()

	// Prometheus collector over the engine, pool, and hub.
	metrics.NewCollector(eng, bufPool, hub).Register(logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(eng, hub, cfg.Password),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	slog.Info("wavelink stopped")
}
