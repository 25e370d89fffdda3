package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pancakes/internal/app"
	"pancakes/internal/config"
	"pancakes/internal/market"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := cfg.Logger()
	stack, err := app.Build(ctx, cfg, logger, "pancakes-worker")
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stack.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	if err := stack.Store.Init(ctx, cfg.World); err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	if err := stack.Engine.Ping(ctx, cfg.Oracle.Required); err != nil {
		logger.Error("oracle check failed", "err", err)
		os.Exit(1)
	}

	if cfg.WorkerRunOnce {
		if _, err := stack.Engine.RunTick(ctx, nil); err != nil {
			logger.Error("tick failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.TickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.TickEvery.String(), "config", cfg.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			// Ticks run inline, so a slow tick delays the next one instead of overlapping it.
			res, err := stack.Engine.RunTick(ctx, nil)
			if err != nil {
				if errors.Is(err, market.ErrConfiguration) {
					logger.Error("configuration no longer matches the store", "err", err)
					return
				}
				logger.Error("tick failed", "phase", res.FailedPhase, "err", err)
				continue
			}
			logger.Info("tick complete", "tick_id", res.TickID,
				"degraded_producer", res.DegradedProducer, "degraded_consumer", res.DegradedConsumer)
		}
	}
}
