package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/backoff"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

// maxErrorDetail bounds the error detail persisted on a job.
const maxErrorDetail = 2048

// saveRetries bounds how often a lease holder reapplies a mutation after
// losing a version race with a cancel request or a heartbeat.
const saveRetries = 5

type SchedulerConfig struct {
	MaxActiveJobs int
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	MaxResidency  time.Duration
	Retention     time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
	return c
}

// Scheduler owns the job lifecycle. It is the only component that decides
// between retrying and terminally failing a job.
type Scheduler struct {
	store     port.JobStore
	finalizer port.Finalizer
	cfg       SchedulerConfig
	backoff   *backoff.Backoff
	logger    *slog.Logger

	now   func() time.Time
	newID func() string

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
}

func NewScheduler(store port.JobStore, finalizer port.Finalizer, cfg SchedulerConfig, l *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:     store,
		finalizer: finalizer,
		cfg:       cfg,
		backoff:   backoff.New(cfg.RetryBase, cfg.RetryCap),
		logger:    logger.WithComponent(l, "scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Lease is a worker's exclusive handle on a job. The scheduler keeps the
// handle's copy current across saves; callers only read it.
type Lease struct {
	mu    sync.Mutex
	id    string
	job   *domain.ProcessingJob
	owner string
}

func (l *Lease) Job() *domain.ProcessingJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.job.Clone()
}

func (l *Lease) ID() string    { return l.id }
func (l *Lease) Owner() string { return l.owner }

func (s *Scheduler) Enqueue(ctx context.Context, sub domain.Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	priority := sub.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	maxAttempts := sub.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	now := s.now()
	job := &domain.ProcessingJob{
		ID:             s.newID(),
		SourceAssetRef: sub.SourceAssetRef,
		OwnerID:        sub.OwnerID,
		Metadata:       sub.Metadata,
		Priority:       priority,
		State:          domain.JobStateQueued,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	s.logger.Info("job enqueued", "job_id", job.ID, "priority", priority,
		"source", logger.SanitizeForLog(job.SourceAssetRef))
	return job.ID, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	return s.store.Get(ctx, id)
}

// Lease checks out up to capacity eligible jobs for owner. The store keeps
// the total number of leased jobs at or below MaxActiveJobs.
func (s *Scheduler) Lease(ctx context.Context, owner string, capacity int) ([]*Lease, error) {
	if capacity <= 0 {
		return nil, nil
	}
	jobs, err := s.store.Lease(ctx, domain.LeaseRequest{
		Owner:     owner,
		Limit:     capacity,
		MaxActive: s.cfg.MaxActiveJobs,
		TTL:       s.cfg.LeaseTTL,
		Now:       s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	leases := make([]*Lease, len(jobs))
	for i, j := range jobs {
		leases[i] = &Lease{id: j.ID, job: j, owner: owner}
		s.logger.Debug("job leased", "job_id", j.ID, "owner", owner, "attempt", j.AttemptCount+1)
	}
	return leases, nil
}

// Advance moves the leased job one stage forward and renews its lease.
func (s *Scheduler) Advance(ctx context.Context, lease *Lease, to domain.JobState) error {
	return s.update(ctx, lease, true, func(j *domain.ProcessingJob, now time.Time) error {
		if err := j.Transition(to, now); err != nil {
			return err
		}
		j.LeaseExpiresAt = now.Add(s.cfg.LeaseTTL)
		return nil
	})
}

// Renew extends the lease. It fails with a cancelled error once a cancel
// request has been recorded for the job.
func (s *Scheduler) Renew(ctx context.Context, lease *Lease) error {
	return s.update(ctx, lease, true, func(j *domain.ProcessingJob, now time.Time) error {
		j.LeaseExpiresAt = now.Add(s.cfg.LeaseTTL)
		j.UpdatedAt = now
		return nil
	})
}

// Heartbeat renews the lease every TTL/3 until ctx is done. onLost is called
// once, with the reason, when the lease can no longer be held.
func (s *Scheduler) Heartbeat(ctx context.Context, lease *Lease, onLost func(error)) {
	interval := s.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.Renew(ctx, lease)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if domain.KindOf(err) == domain.KindCancelled || errors.Is(err, domain.ErrLeaseLost) ||
			errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTerminal) {
			onLost(err)
			return
		}
		s.logger.Warn("lease renewal failed", "job_id", lease.ID(), "error", err)
	}
}

// ReportFailure records a failed attempt and decides what happens next:
// cancelled jobs end cancelled, retryable kinds with attempts left are
// requeued after a backoff, everything else fails terminally.
func (s *Scheduler) ReportFailure(ctx context.Context, lease *Lease, cause error, outcome *domain.Outcome) (*domain.ProcessingJob, error) {
	kind := domain.KindOf(cause)
	if kind == "" {
		kind = domain.KindTransientTool
	}
	detail := truncateDetail(cause)

	err := s.update(ctx, lease, false, func(j *domain.ProcessingJob, now time.Time) error {
		return s.applyFailure(j, kind, detail, outcome, now)
	})
	if err != nil {
		return nil, err
	}

	job := lease.Job()
	log := s.logger.With("job_id", job.ID, "error_kind", kind, "attempts", job.AttemptCount)
	if job.State.IsTerminal() {
		log.Warn("job failed", "state", job.State, "error", logger.SanitizeForLog(detail))
		s.finalize(ctx, job)
	} else {
		log.Info("job requeued", "next_eligible_at", job.NextEligibleAt, "error", logger.SanitizeForLog(detail))
	}
	return job, nil
}

func (s *Scheduler) applyFailure(j *domain.ProcessingJob, kind domain.ErrorKind, detail string, outcome *domain.Outcome, now time.Time) error {
	if j.CancelRequested || kind == domain.KindCancelled {
		return s.terminate(j, domain.JobStateCancelled, domain.KindCancelled, cancelDetail(detail), outcome, now)
	}

	j.AttemptCount++
	if kind.Retryable() && j.AttemptsRemaining() {
		if j.State != domain.JobStateQueued {
			if err := j.Transition(domain.JobStateQueued, now); err != nil {
				return err
			}
		}
		j.ErrorKind = kind
		j.ErrorDetail = detail
		j.NextEligibleAt = now.Add(s.backoff.Duration(j.AttemptCount))
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
		j.UpdatedAt = now
		return nil
	}

	if kind.Retryable() {
		detail = fmt.Sprintf("attempts exhausted (%d/%d): %s", j.AttemptCount, j.MaxAttempts, detail)
	}
	return s.terminate(j, domain.JobStateFailed, kind, detail, outcome, now)
}

func (s *Scheduler) terminate(j *domain.ProcessingJob, to domain.JobState, kind domain.ErrorKind, detail string, outcome *domain.Outcome, now time.Time) error {
	if err := j.Transition(to, now); err != nil {
		return err
	}
	j.ErrorKind = kind
	j.ErrorDetail = detail
	if outcome == nil {
		outcome = &domain.Outcome{}
	} else {
		outcome = outcome.Clone()
	}
	outcome.Status = to
	outcome.Reason = detail
	outcome.DiscardPending()
	j.Outcome = outcome
	return nil
}

// Complete records a successful run. A cancel request that arrived while the
// job was finalizing still wins.
func (s *Scheduler) Complete(ctx context.Context, lease *Lease, outcome *domain.Outcome) error {
	err := s.update(ctx, lease, true, func(j *domain.ProcessingJob, now time.Time) error {
		if err := j.Transition(domain.JobStateCompleted, now); err != nil {
			return err
		}
		j.ErrorKind = ""
		j.ErrorDetail = ""
		o := outcome.Clone()
		if o == nil {
			o = &domain.Outcome{}
		}
		o.Status = domain.JobStateCompleted
		o.DiscardPending()
		j.Outcome = o
		return nil
	})
	if err != nil {
		return err
	}
	job := lease.Job()
	s.logger.Info("job completed", "job_id", job.ID, "qualities", job.Outcome.AvailableQualities())
	s.finalize(ctx, job)
	return nil
}

// Release hands a job back without consuming an attempt. Used on shutdown.
func (s *Scheduler) Release(ctx context.Context, lease *Lease) (*domain.ProcessingJob, error) {
	err := s.update(ctx, lease, false, func(j *domain.ProcessingJob, now time.Time) error {
		if j.CancelRequested {
			return s.terminate(j, domain.JobStateCancelled, domain.KindCancelled, "cancelled during shutdown", j.Outcome, now)
		}
		if j.State.IsActive() {
			if err := j.Transition(domain.JobStateQueued, now); err != nil {
				return err
			}
		}
		j.NextEligibleAt = now
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	job := lease.Job()
	if job.State.IsTerminal() {
		s.finalize(ctx, job)
	} else {
		s.logger.Info("job released", "job_id", job.ID)
	}
	return job, nil
}

// Cancel requests cancellation. Queued jobs are cancelled on the spot; a
// running job's heartbeat notices the request and stops the pipeline.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	job, err := s.store.RequestCancel(ctx, id, s.now())
	if err != nil {
		return job, err
	}
	if job.State.IsTerminal() {
		job.Outcome = &domain.Outcome{Status: job.State, Reason: job.ErrorDetail}
		s.logger.Info("job cancelled before execution", "job_id", id)
		s.finalize(ctx, job)
	} else {
		s.logger.Info("job cancel requested", "job_id", id, "state", job.State)
		s.stopRunning(id, job.State)
	}
	return job, nil
}

// Track registers the cancel func of an attempt running in this process so
// Cancel stops it without waiting for the next heartbeat. Attempts running
// elsewhere still notice the request on renewal. The returned func
// unregisters it.
func (s *Scheduler) Track(jobID string, cancel context.CancelCauseFunc) func() {
	s.runMu.Lock()
	s.running[jobID] = cancel
	s.runMu.Unlock()
	return func() {
		s.runMu.Lock()
		delete(s.running, jobID)
		s.runMu.Unlock()
	}
}

func (s *Scheduler) stopRunning(id string, state domain.JobState) {
	s.runMu.Lock()
	cancel, ok := s.running[id]
	s.runMu.Unlock()
	if ok {
		cancel(domain.NewError(domain.KindCancelled, state, domain.ErrCancelRequested))
	}
}

// update applies mutate to the lease's job and saves it. On a version
// conflict the job is reloaded and the mutation reapplied, unless the
// reload shows the lease is gone or, for cancellable updates, that a
// cancel was requested.
func (s *Scheduler) update(ctx context.Context, lease *Lease, cancellable bool, mutate func(*domain.ProcessingJob, time.Time) error) error {
	lease.mu.Lock()
	defer lease.mu.Unlock()

	for range saveRetries {
		if cancellable && lease.job.CancelRequested {
			return domain.NewError(domain.KindCancelled, lease.job.State, domain.ErrCancelRequested)
		}
		next := lease.job.Clone()
		if err := mutate(next, s.now()); err != nil {
			return err
		}
		err := s.store.Save(ctx, next, lease.owner)
		if err == nil {
			lease.job = next
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}

		fresh, err := s.store.Get(ctx, lease.job.ID)
		if err != nil {
			return err
		}
		if fresh.State.IsTerminal() {
			return domain.ErrTerminal
		}
		if fresh.LeaseOwner != lease.owner {
			return domain.ErrLeaseLost
		}
		lease.job = fresh
	}
	return domain.ErrConflict
}

func (s *Scheduler) finalize(ctx context.Context, job *domain.ProcessingJob) {
	if s.finalizer == nil {
		return
	}
	if err := s.finalizer.OnJobTerminal(ctx, job, job.Outcome); err != nil {
		s.logger.Error("finalization callback failed", "job_id", job.ID, "error", err)
	}
}

func truncateDetail(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorDetail {
		msg = strings.ToValidUTF8(msg[:maxErrorDetail], "")
	}
	return msg
}

func cancelDetail(detail string) string {
	if detail == "" {
		return "cancelled"
	}
	return "cancelled: " + detail
}
