package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/bluesky-aggregator/internal/aggregator"
	"github.com/blackmichael/bluesky-aggregator/internal/config"
	"github.com/blackmichael/bluesky-aggregator/internal/firehose"
	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	store, err := kv.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	logger.Info("opened state store", "path", cfg.StatePath)

	agg, err := aggregator.New(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create aggregator: %w", err)
	}

	if err := agg.Recover(); err != nil {
		_ = store.Close()
		return fmt.Errorf("recover state: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	agg.Start(ctx)

	// Start the firehose subscriber in the background
	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, agg, logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	logger.Info("aggregator started",
		"firehose_url", cfg.FirehoseURL,
		"top", cfg.TopCount,
		"window_hours", cfg.WindowHours,
		"half_life_hours", cfg.HalfLifeHours,
	)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()

	return agg.Shutdown()
}
