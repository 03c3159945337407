// Package run consumes campaign run requests and hands them to the runner.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/queue"
	"github.com/acme/campaign-dispatcher/internal/runner"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

const defaultRetryDelay = 2 * time.Second

// MessageReader is the subset of kafka.Reader the worker needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter starts background dispatch runs.
type Submitter interface {
	Submit(ctx context.Context, campaignID string) (*runner.Job, error)
}

// Worker consumes run requests from Kafka.
type Worker struct {
	reader     MessageReader
	runner     Submitter
	logger     *zap.Logger
	tracer     trace.Tracer
	retryDelay time.Duration
}

// New creates a run worker.
func New(reader MessageReader, submitter Submitter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reader:     reader,
		runner:     submitter,
		logger:     logger,
		tracer:     otel.Tracer("campaign.runworker"),
		retryDelay: defaultRetryDelay,
	}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("run worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("run worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, m kafka.Message) error {
	msg, err := queue.DecodeRunMessage(m.Value)
	if err != nil {
		w.logger.Warn("run worker: dropping malformed message", zap.Error(err), zap.Int64("offset", m.Offset))
		return w.reader.CommitMessages(ctx, m)
	}

	sctx, span := w.tracer.Start(ctx, "campaign.run_request", trace.WithAttributes(
		attribute.String("campaign.id", msg.CampaignID),
		attribute.String("requested_by", msg.RequestedBy),
	))
	defer span.End()

	lg := w.logger.With(zap.String("campaign_id", msg.CampaignID))
	for {
		job, err := w.runner.Submit(sctx, msg.CampaignID)
		switch {
		case err == nil:
			lg.Info("run worker: job submitted", zap.String("job_id", job.ID))
			return w.reader.CommitMessages(sctx, m)
		case errors.Is(err, runner.ErrClosed):
			// Leave uncommitted so another consumer picks it up.
			span.RecordError(err)
			return err
		case errors.Is(err, apperrors.ErrConflict):
			lg.Info("run worker: campaign already running", zap.Error(err))
			return w.reader.CommitMessages(sctx, m)
		default:
			span.RecordError(err)
			lg.Warn("run worker: submit failed, retrying", zap.Error(err), zap.Duration("delay", w.retryDelay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}
	}
}
