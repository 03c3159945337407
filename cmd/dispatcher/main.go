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
	runworker "github.com/acme/campaign-dispatcher/internal/worker/run"
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
	lg := container.Logger.Component("dispatcher")

	if container.Kafka == nil {
		lg.Fatal("the dispatcher consumes run requests from kafka; enable kafka or use in-process runs")
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "dispatcher")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	jobs, err := container.Runner()
	if err != nil {
		lg.Fatal("failed to build runner", zap.Error(err))
	}

	if container.Config.Scheduler.Enabled {
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

	reader := container.Kafka.NewReader(container.Config.Kafka.RunTopic, container.Config.Kafka.RunConsumerGroupID)
	worker := runworker.New(reader, jobs, container.Logger.Component("runworker"))
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
