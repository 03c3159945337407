// Package dispatch drains a campaign's pending queue through the gateway.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/gateway"
	"github.com/acme/campaign-dispatcher/internal/message"
	"github.com/acme/campaign-dispatcher/internal/repository"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

// DefaultMessageDelay spaces consecutive sends of one campaign.
const DefaultMessageDelay = 5 * time.Second

// CredentialProvider makes sure a gateway credential is held before a send.
type CredentialProvider interface {
	Ensure(ctx context.Context) (string, error)
}

// Config tunes a run.
type Config struct {
	MessageDelay time.Duration
	ImageDir     string
	Personalizer message.Personalizer
}

// Dependencies are the collaborators of an Engine. Credentials, Notifier,
// Logger, Tracer, Now and Sleep are optional.
type Dependencies struct {
	Campaigns   repository.CampaignRepository
	DispatchLog repository.DispatchLogRepository
	Sender      gateway.Sender
	Credentials CredentialProvider
	Notifier    Notifier
	Logger      *zap.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Result summarizes one run.
type Result struct {
	CampaignID  string
	Status      domain.CampaignStatus
	Total       int
	Succeeded   int
	Failed      int
	Paused      bool
	NothingToDo bool
}

// Processed returns how many attempts were settled during the run.
func (r *Result) Processed() int {
	return r.Succeeded + r.Failed
}

// Engine executes dispatch runs. A single Engine may serve many campaigns;
// callers serialize runs of the same campaign.
type Engine struct {
	cfg         Config
	campaigns   repository.CampaignRepository
	log         repository.DispatchLogRepository
	sender      gateway.Sender
	credentials CredentialProvider
	notifier    Notifier
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an Engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Campaigns == nil || deps.DispatchLog == nil {
		return nil, fmt.Errorf("%w: dispatch engine requires campaign and dispatch log repositories", apperrors.ErrValidation)
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("%w: dispatch engine requires a gateway sender", apperrors.ErrValidation)
	}
	if cfg.MessageDelay < 0 {
		return nil, fmt.Errorf("%w: message delay must not be negative", apperrors.ErrValidation)
	}

	e := &Engine{
		cfg:         cfg,
		campaigns:   deps.Campaigns,
		log:         deps.DispatchLog,
		sender:      deps.Sender,
		credentials: deps.Credentials,
		notifier:    deps.Notifier,
		logger:      deps.Logger,
		tracer:      deps.Tracer,
		now:         deps.Now,
		sleep:       deps.Sleep,
	}
	if e.notifier == nil {
		e.notifier = Notifiers(nil)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("campaign.dispatch")
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

// RunOption adjusts a single run.
type RunOption func(*runOptions)

type runOptions struct {
	observers []Notifier
}

// WithObserver adds a notifier that only receives the events of this run.
func WithObserver(n Notifier) RunOption {
	return func(o *runOptions) {
		if n != nil {
			o.observers = append(o.observers, n)
		}
	}
}

// run is the state of one Run call.
type run struct {
	*Engine
	notifier Notifier
}

// Run drains the pending attempts of campaignID once. Cancelling ctx stops the
// run between attempts and leaves the campaign PAUSED; the attempt in flight
// is always settled first.
func (e *Engine) Run(ctx context.Context, campaignID string, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := &run{Engine: e, notifier: e.notifier}
	if len(o.observers) > 0 {
		r.notifier = append(Notifiers{e.notifier}, o.observers...)
	}
	return r.execute(ctx, campaignID)
}

func (r *run) execute(ctx context.Context, campaignID string) (res *Result, err error) {
	ctx, span := r.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("campaign.id", campaignID),
	))
	defer span.End()

	lg := r.logger.With(zap.String("campaign_id", campaignID))
	res = &Result{CampaignID: campaignID}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: dispatch panicked: %v", apperrors.ErrInternal, p)
			r.fail(ctx, lg, res, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("campaign.status", string(res.Status)),
			attribute.Int("dispatch.succeeded", res.Succeeded),
			attribute.Int("dispatch.failed", res.Failed),
		)
	}()

	campaign, err := r.campaigns.Get(ctx, campaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = fmt.Errorf("campaign %s: %w", campaignID, apperrors.ErrNotFound)
		} else {
			err = fmt.Errorf("dispatch: load campaign: %w", err)
		}
		r.emit(ctx, lg, Event{Type: EventCampaignError, CampaignID: campaignID, Message: err.Error()})
		return res, err
	}
	res.Status = campaign.Status

	pending, err := r.log.ListPending(ctx, campaignID)
	if err != nil {
		err = fmt.Errorf("dispatch: list pending: %w", err)
		r.fail(ctx, lg, res, err)
		return res, err
	}

	if len(pending) == 0 {
		res.NothingToDo = true
		if !campaign.Status.IsTerminal() {
			if err := r.setStatus(ctx, campaignID, domain.CampaignStatusCompleted); err != nil {
				return res, err
			}
			res.Status = domain.CampaignStatusCompleted
		}
		lg.Info("dispatch: nothing to do", zap.String("status", string(res.Status)))
		r.emit(ctx, lg, Event{
			Type:       EventCampaignFinished,
			CampaignID: campaignID,
			Status:     string(res.Status),
			Message:    "nothing to do",
		})
		return res, nil
	}

	res.Total = len(pending)
	if err := r.setStatus(ctx, campaignID, domain.CampaignStatusInProgress); err != nil {
		r.fail(ctx, lg, res, err)
		return res, err
	}
	res.Status = domain.CampaignStatusInProgress
	lg.Info("dispatch: started", zap.Int("pending", res.Total))
	r.emitProgress(ctx, lg, res)

	imagePath, ok := r.resolveImage(campaign)
	if !ok {
		lg.Warn("dispatch: campaign image outside the image directory, sending text", zap.String("image_reference", *campaign.ImageReference))
		r.emit(ctx, lg, Event{
			Type:       EventCampaignLog,
			CampaignID: campaignID,
			Message:    fmt.Sprintf("image %s is outside the image directory; messages will be sent as text", *campaign.ImageReference),
		})
	} else if imagePath != "" && !gateway.ImageUsable(imagePath) {
		lg.Warn("dispatch: campaign image unavailable, sending text", zap.String("image_path", imagePath))
		r.emit(ctx, lg, Event{
			Type:       EventCampaignLog,
			CampaignID: campaignID,
			Message:    fmt.Sprintf("image %s is not available; messages will be sent as text", imagePath),
		})
	}

	for i, attempt := range pending {
		if ctx.Err() != nil {
			return r.pause(ctx, lg, res)
		}

		r.process(ctx, lg, campaign, imagePath, attempt, res)

		if i == len(pending)-1 || r.cfg.MessageDelay == 0 {
			continue
		}
		if err := r.sleep(ctx, r.cfg.MessageDelay); err != nil {
			return r.pause(ctx, lg, res)
		}
	}

	final := domain.FoldStatus(res.Succeeded, res.Failed)
	if err := r.setStatus(ctx, campaignID, final); err != nil {
		r.fail(ctx, lg, res, err)
		return res, err
	}
	res.Status = final

	lg.Info("dispatch: finished",
		zap.String("status", string(final)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	r.emit(ctx, lg, Event{
		Type:       EventCampaignFinished,
		CampaignID: campaignID,
		Status:     string(final),
		Processed:  res.Processed(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
	})
	return res, nil
}

func (r *run) process(ctx context.Context, lg *zap.Logger, campaign *domain.Campaign, imagePath string, attempt domain.DispatchAttempt, res *Result) {
	// The attempt is settled even if the run is cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)
	ctx, span := r.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID),
		attribute.Int64("attempt.id", attempt.ID),
	))
	defer span.End()

	alg := lg.With(zap.Int64("attempt_id", attempt.ID), zap.String("phone", attempt.ContactPhone))

	r.emit(ctx, alg, Event{
		Type:       EventDispatchUpdate,
		CampaignID: campaign.ID,
		AttemptID:  attempt.ID,
		Phone:      attempt.ContactPhone,
		Name:       attempt.ContactName,
		Status:     StatusProcessing,
	})

	text := r.cfg.Personalizer.Personalize(campaign.MessageTemplate, attempt.ContactName)
	ok, payload := r.send(ctx, alg, attempt.ContactPhone, imagePath, text)

	status := domain.AttemptStatusSentFailed
	if ok {
		status = domain.AttemptStatusSentSuccess
		res.Succeeded++
	} else {
		res.Failed++
		span.SetStatus(codes.Error, "send failed")
	}
	span.SetAttributes(attribute.String("attempt.status", string(status)))

	response := payload.Marshal()
	if err := r.log.UpdateAttempt(ctx, repository.AttemptUpdate{
		ID:       attempt.ID,
		Status:   status,
		Message:  &text,
		Response: &response,
	}); err != nil {
		span.RecordError(err)
		alg.Error("dispatch: record attempt", zap.Error(err))
	}

	if ok {
		alg.Debug("dispatch: sent")
	} else {
		alg.Warn("dispatch: send failed", zap.String("gateway_response", response))
	}

	r.emit(ctx, alg, Event{
		Type:       EventDispatchUpdate,
		CampaignID: campaign.ID,
		AttemptID:  attempt.ID,
		Phone:      attempt.ContactPhone,
		Name:       attempt.ContactName,
		Status:     string(status),
		Message:    text,
		Response:   response,
	})
	r.emitProgress(ctx, alg, res)
}

func (r *run) send(ctx context.Context, lg *zap.Logger, phone, imagePath, text string) (bool, gateway.Payload) {
	if r.credentials != nil {
		if _, err := r.credentials.Ensure(ctx); err != nil {
			lg.Error("dispatch: gateway credential", zap.Error(err))
			return false, gateway.Payload{"error": "credential unavailable: " + err.Error()}
		}
	}
	if imagePath != "" && gateway.ImageUsable(imagePath) {
		return r.sender.SendImage(ctx, phone, imagePath, text)
	}
	return r.sender.SendText(ctx, phone, text)
}

// resolveImage maps the campaign image reference onto ImageDir. ok is false
// when the reference is absolute or would leave the directory.
func (e *Engine) resolveImage(campaign *domain.Campaign) (path string, ok bool) {
	if !campaign.HasImage() {
		return "", true
	}
	ref := strings.TrimSpace(*campaign.ImageReference)
	if !filepath.IsLocal(ref) {
		return "", false
	}
	dir := e.cfg.ImageDir
	if dir == "" {
		dir = "."
	}
	path = filepath.Join(dir, ref)
	rel, err := filepath.Rel(dir, path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return path, true
}

func (r *run) pause(ctx context.Context, lg *zap.Logger, res *Result) (*Result, error) {
	res.Paused = true
	if err := r.setStatus(ctx, res.CampaignID, domain.CampaignStatusPaused); err != nil {
		lg.Error("dispatch: pause", zap.Error(err))
		return res, err
	}
	res.Status = domain.CampaignStatusPaused
	lg.Info("dispatch: paused", zap.Int("processed", res.Processed()), zap.Int("total", res.Total))
	r.emit(ctx, lg, Event{
		Type:       EventCampaignPaused,
		CampaignID: res.CampaignID,
		Status:     string(res.Status),
		Processed:  res.Processed(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
	})
	return res, nil
}

func (r *run) fail(ctx context.Context, lg *zap.Logger, res *Result, cause error) {
	lg.Error("dispatch: run failed", zap.Error(cause))
	if err := r.setStatus(ctx, res.CampaignID, domain.CampaignStatusFailed); err != nil {
		lg.Error("dispatch: mark failed", zap.Error(err))
	} else {
		res.Status = domain.CampaignStatusFailed
	}
	r.emit(ctx, lg, Event{
		Type:       EventCampaignError,
		CampaignID: res.CampaignID,
		Status:     string(domain.CampaignStatusFailed),
		Message:    cause.Error(),
	})
}

func (e *Engine) setStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	if err := e.campaigns.UpdateStatus(context.WithoutCancel(ctx), campaignID, status); err != nil {
		return fmt.Errorf("dispatch: set status %s: %w", status, err)
	}
	return nil
}

func (r *run) emitProgress(ctx context.Context, lg *zap.Logger, res *Result) {
	r.emit(ctx, lg, Event{
		Type:       EventCampaignProgress,
		CampaignID: res.CampaignID,
		Status:     string(res.Status),
		Processed:  res.Processed(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
	})
}

func (r *run) emit(ctx context.Context, lg *zap.Logger, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	defer func() {
		if p := recover(); p != nil {
			lg.Error("dispatch: notifier panicked", zap.Any("panic", p), zap.String("event", string(event.Type)))
		}
	}()
	if err := r.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		lg.Debug("dispatch: notify", zap.Error(err), zap.String("event", string(event.Type)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
