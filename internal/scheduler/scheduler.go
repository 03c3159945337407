// Package scheduler resumes campaigns whose dispatch run was orphaned.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository"
	"github.com/acme/campaign-dispatcher/internal/service/concurrency"
)

const defaultFetchLimit = 200

// Dispatcher hands a campaign over to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID string) error
}

// Config tunes the sweep.
type Config struct {
	TickInterval time.Duration
	FetchLimit   int
}

// Scheduler periodically re-dispatches IN_PROGRESS campaigns that no process
// holds the run lock for. Only PENDING attempts are ever sent again.
type Scheduler struct {
	campaigns  repository.CampaignRepository
	lock       concurrency.RunLock
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New constructs a scheduler.
func New(campaigns repository.CampaignRepository, lock concurrency.RunLock, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		campaigns:  campaigns,
		lock:       lock,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("campaign.scheduler"),
	}
}

// Run executes the sweep loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick returns the ids it re-dispatched.
func (s *Scheduler) tick(ctx context.Context) ([]string, error) {
	sctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	campaigns, err := s.campaigns.ListByStatus(sctx, []domain.CampaignStatus{domain.CampaignStatusInProgress}, s.cfg.FetchLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	var resumed []string
	for _, campaign := range campaigns {
		lg := s.logger.With(zap.String("campaign_id", campaign.ID))

		held, err := s.lock.Held(sctx, campaign.ID)
		if err != nil {
			span.RecordError(err)
			lg.Warn("scheduler: check run lock", zap.Error(err))
			continue
		}
		if held {
			continue
		}

		if err := s.dispatcher.Dispatch(sctx, campaign.ID); err != nil {
			span.RecordError(err)
			lg.Error("scheduler: resume orphaned campaign", zap.Error(err))
			continue
		}
		lg.Info("scheduler: resumed orphaned campaign")
		resumed = append(resumed, campaign.ID)
	}
	span.SetAttributes(attribute.Int("campaign.resumed", len(resumed)))
	return resumed, nil
}
