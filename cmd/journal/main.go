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

	"github.com/acme/campaign-dispatcher/internal/app"
	"github.com/acme/campaign-dispatcher/internal/telemetry"
	"github.com/acme/campaign-dispatcher/internal/worker/journal"
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
	lg := container.Logger.Component("journal")

	if container.Kafka == nil || container.Scylla == nil {
		lg.Fatal("the journal needs both kafka and scylla enabled")
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "journal")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	store, err := container.EventStore()
	if err != nil {
		lg.Fatal("failed to build event store", zap.Error(err))
	}

	reader := container.Kafka.NewReader(container.Config.Kafka.ProgressTopic, container.Config.Kafka.JournalConsumerGroupID)
	worker := journal.New(reader, store, lg)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("worker terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
