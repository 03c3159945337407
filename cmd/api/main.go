package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/api"
	"github.com/acme/campaign-dispatcher/internal/app"
	"github.com/acme/campaign-dispatcher/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger.Component("api")

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	handlerSet, err := container.HandlerSet()
	if err != nil {
		lg.Fatal("failed to build handlers", zap.Error(err))
	}

	// runs started over HTTP execute here unless a dispatcher consumes the run topic
	if container.Config.Scheduler.Enabled && (container.Kafka == nil || container.Config.HTTP.InProcessRuns) {
		sweeper, err := container.Scheduler()
		if err != nil {
			lg.Fatal("failed to build scheduler", zap.Error(err))
		}
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("scheduler terminated", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(container.Config.HTTP, handlerSet)
	lg.Info("starting server", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		lg.Fatal("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
