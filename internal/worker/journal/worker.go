package journal

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/queue"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

// MessageReader is the subset of kafka.Reader the worker needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes progress events and persists them.
type Worker struct {
	reader   MessageReader
	recorder *Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a journal worker.
func New(reader MessageReader, store repository.EventStore, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reader:   reader,
		recorder: NewRecorder(store),
		logger:   logger,
		tracer:   otel.Tracer("campaign.journalworker"),
	}
}

// Run processes progress events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("journal worker: fetch", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	progress, err := queue.DecodeProgressMessage(msg.Value)
	if err != nil {
		w.logger.Error("journal worker: unmarshal", zap.Error(err))
		_ = w.reader.CommitMessages(ctx, msg)
		return
	}

	sctx, span := w.tracer.Start(ctx, "campaign.progress", trace.WithAttributes(
		attribute.String("campaign.id", progress.CampaignID),
		attribute.String("event.type", string(progress.Type)),
	))
	defer span.End()

	if err := w.recorder.Notify(sctx, progress.Event); err != nil {
		span.RecordError(err)
		w.logger.Error("journal worker: append", zap.Error(err), zap.String("campaign_id", progress.CampaignID))
	}

	if err := w.reader.CommitMessages(sctx, msg); err != nil {
		span.RecordError(err)
		w.logger.Error("journal worker: commit", zap.Error(err))
	}
}
