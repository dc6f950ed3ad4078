// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mqttlite/config"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load environment file", "file", *envFile, "error", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitFailure)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	os.Exit(run(cfg, logger))
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting MQTT publisher",
		"broker", cfg.Broker.Hostname,
		"ip", cfg.Broker.IP,
		"port", cfg.Broker.Port,
		"client_id", cfg.Session.ClientID,
		"topic", cfg.Publish.Topic,
		"storage", cfg.Storage.Type,
		"metrics_enabled", cfg.Metrics.Enabled)

	if cfg.Metrics.Enabled {
		shutdown, err := initProvider(ctx, cfg.Metrics, cfg.Session.ClientID)
		if err != nil {
			logger.Error("Failed to initialize OpenTelemetry", "error", err)
			return exitFailure
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("OpenTelemetry shutdown failed", "error", err)
			}
		}()
	}

	p, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error("Failed to set up publisher", "error", err)
		return exitFailure
	}
	defer p.close()

	err = publish(ctx, p)
	if err != nil {
		logger.Error("Publish failed", "error", err)
	}
	return exitCode(err)
}

// publish runs p until it finishes or ctx is cancelled. Cancellation closes
// the client, which completes any exchange still in flight.
func publish(ctx context.Context, p *publisher) error {
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return p.run(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return p.client.Close()
		case <-done:
			return nil
		}
	})

	return g.Wait()
}
