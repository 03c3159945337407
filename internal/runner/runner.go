// Package runner executes dispatch runs as cancellable background jobs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/acme/campaign-dispatcher/internal/dispatch"
	"github.com/acme/campaign-dispatcher/internal/service/concurrency"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

// ErrAlreadyRunning is returned when this process already runs the campaign.
var ErrAlreadyRunning = fmt.Errorf("%w: campaign dispatch already running", apperrors.ErrConflict)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = fmt.Errorf("%w: runner is shutting down", apperrors.ErrUnavailable)

// Executor performs one dispatch run.
type Executor interface {
	Run(ctx context.Context, campaignID string, opts ...dispatch.RunOption) (*dispatch.Result, error)
}

// Config bounds the runner.
type Config struct {
	MaxConcurrent int
	EventBuffer   int
}

// Runner owns the background jobs of this process.
type Runner struct {
	exec   Executor
	lock   concurrency.RunLock
	sem    *semaphore.Weighted
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*Job
	closed bool
	wg     sync.WaitGroup
}

// New builds a Runner. A nil lock means a process-local one.
func New(exec Executor, lock concurrency.RunLock, cfg Config, logger *zap.Logger) *Runner {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 256
	}
	if lock == nil {
		lock = concurrency.NewLocalLock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		exec:   exec,
		lock:   lock,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		buffer: cfg.EventBuffer,
		logger: logger,
		active: make(map[string]*Job),
	}
}

// Submit starts a background run of campaignID. The job outlives ctx; use
// Job.Cancel to stop it.
func (r *Runner) Submit(ctx context.Context, campaignID string) (*Job, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := r.active[campaignID]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := newJob(campaignID, r.buffer, cancel)
	r.active[campaignID] = job
	r.wg.Add(1)
	r.mu.Unlock()

	lease, err := r.lock.Acquire(ctx, campaignID)
	if err != nil {
		cancel()
		r.remove(job)
		r.wg.Done()
		return nil, fmt.Errorf("runner: acquire %s: %w", campaignID, err)
	}

	go r.execute(jobCtx, job, lease)
	return job, nil
}

// Dispatch submits campaignID and returns without waiting for the run.
func (r *Runner) Dispatch(ctx context.Context, campaignID string) error {
	_, err := r.Submit(ctx, campaignID)
	return err
}

// Job returns the active job of campaignID, if any.
func (r *Runner) Job(campaignID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.active[campaignID]
	return job, ok
}

// Active lists the campaigns with a running or queued job.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Cancel stops the job of campaignID and reports whether one was running.
func (r *Runner) Cancel(campaignID string) bool {
	job, ok := r.Job(campaignID)
	if ok {
		job.Cancel()
	}
	return ok
}

// Wait blocks until every job has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new jobs, pauses running ones and waits for them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	jobs := make([]*Job, 0, len(r.active))
	for _, job := range r.active {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for _, job := range jobs {
		job.Cancel()
	}
	return r.Wait(ctx)
}

func (r *Runner) execute(ctx context.Context, job *Job, lease concurrency.Lease) {
	defer r.wg.Done()
	lg := r.logger.With(zap.String("campaign_id", job.CampaignID), zap.String("job_id", job.ID))

	var (
		res *dispatch.Result
		err error
	)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := lease.Release(releaseCtx); rerr != nil {
			lg.Warn("runner: release lock", zap.Error(rerr))
		}
		cancel()
		r.remove(job)
		job.finish(res, err)
	}()

	if err = r.sem.Acquire(ctx, 1); err != nil {
		lg.Info("runner: cancelled while queued")
		return
	}
	defer r.sem.Release(1)
	if err = ctx.Err(); err != nil {
		lg.Info("runner: cancelled before start")
		return
	}

	stop := r.keepAlive(ctx, lg, job, lease)
	defer stop()

	lg.Info("runner: job started")
	res, err = r.exec.Run(ctx, job.CampaignID, dispatch.WithObserver(job.events))
	if err != nil {
		lg.Error("runner: job failed", zap.Error(err))
		return
	}
	lg.Info("runner: job finished",
		zap.String("status", string(res.Status)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
}

// keepAlive refreshes the lease at half its TTL. Losing it pauses the job so
// another holder does not resend the same attempts.
func (r *Runner) keepAlive(ctx context.Context, lg *zap.Logger, job *Job, lease concurrency.Lease) func() {
	ttl := r.lock.TTL()
	if ttl <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Refresh(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, concurrency.ErrLeaseLost) {
					lg.Error("runner: lock lost, pausing job")
					job.Cancel()
					return
				}
				lg.Warn("runner: refresh lock", zap.Error(err))
			}
		}
	}()
	return func() { once.Do(func() { close(stopCh) }) }
}

func (r *Runner) remove(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[job.CampaignID]; ok && current == job {
		delete(r.active, job.CampaignID)
	}
}

// Job is one background run of a campaign.
type Job struct {
	ID          string
	CampaignID  string
	SubmittedAt time.Time

	events *dispatch.ChannelNotifier
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *dispatch.Result
	err    error
}

func newJob(campaignID string, buffer int, cancel context.CancelFunc) *Job {
	return &Job{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		SubmittedAt: time.Now().UTC(),
		events:      dispatch.NewChannelNotifier(buffer),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Events streams the progress of the run. The channel is closed when the job
// ends; events are dropped if nobody reads them.
func (j *Job) Events() <-chan dispatch.Event {
	return j.events.Events()
}

// Done is closed when the job has ended.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result waits for the job and returns its outcome.
func (j *Job) Result() (*dispatch.Result, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Cancel asks the run to pause after the attempt in flight.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) finish(res *dispatch.Result, err error) {
	j.mu.Lock()
	j.result, j.err = res, err
	j.mu.Unlock()
	j.cancel()
	j.events.Close()
	close(j.done)
}
