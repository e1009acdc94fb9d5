package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
)

// settleTimeout bounds the store writes made after an attempt ends, which
// run even when the pool is shutting down.
const settleTimeout = 30 * time.Second

type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	// Owner prefixes lease owner ids; defaults to the hostname.
	Owner string
}

// WorkerPool runs leased jobs through the executor, one job per worker.
type WorkerPool struct {
	scheduler *Scheduler
	executor  *Executor
	cleanup   *CleanupManager
	progress  *ProgressReporter
	cfg       WorkerPoolConfig
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewWorkerPool(
	scheduler *Scheduler,
	executor *Executor,
	cleanup *CleanupManager,
	progress *ProgressReporter,
	cfg WorkerPoolConfig,
	l *slog.Logger,
) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "reel"
		}
		cfg.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &WorkerPool{
		scheduler: scheduler,
		executor:  executor,
		cleanup:   cleanup,
		progress:  progress,
		cfg:       cfg,
		logger:    logger.WithComponent(l, "worker"),
	}
}

// Start launches the workers. Cancelling ctx stops them; in-flight jobs are
// interrupted and released back to the queue. Wait blocks until all exit.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := range wp.cfg.Workers {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.runWorker(ctx, i)
		}()
	}
	wp.logger.Info("workers started", "count", wp.cfg.Workers, "owner", wp.cfg.Owner)
}

func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	owner := fmt.Sprintf("%s/%d", wp.cfg.Owner, id)
	log := wp.logger.With("worker", id)

	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return
		}

		leases, err := wp.scheduler.Lease(ctx, owner, 1)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to lease job", "error", err)
			}
			sleep(ctx, 2*wp.cfg.PollInterval)
			continue
		}
		if len(leases) == 0 {
			sleep(ctx, wp.cfg.PollInterval)
			continue
		}

		for _, lease := range leases {
			wp.process(ctx, lease)
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, lease *Lease) {
	job := lease.Job()
	log := logger.WithJob(wp.logger, job.ID)
	log.Info("processing job", "attempt", job.AttemptCount+1, "priority", job.Priority,
		"source", logger.SanitizeForLog(job.SourceAssetRef))

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := wp.scheduler.Track(job.ID, cancel)
	defer untrack()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		wp.scheduler.Heartbeat(hbCtx, lease, func(err error) { cancel(err) })
	}()

	prog := wp.progress.Start(job.ID, job.AttemptCount+1)
	var (
		outcome *domain.Outcome
		runErr  error
	)
	scratch, err := wp.cleanup.Acquire(job.ID)
	if err != nil {
		runErr = domain.TransientError(domain.JobStateQueued, err)
	} else {
		outcome, runErr = wp.executor.Run(jobCtx, Attempt{
			JobID:      job.ID,
			SourceRef:  job.SourceAssetRef,
			ScratchDir: scratch,
			Number:     job.AttemptCount + 1,
			Progress:   prog,
			Advance: func(ctx context.Context, to domain.JobState) error {
				return wp.scheduler.Advance(ctx, lease, to)
			},
		})
	}
	stopHeartbeat()
	<-hbDone

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
	defer cancelSettle()

	cause := context.Cause(jobCtx)
	switch {
	case runErr == nil:
		err := wp.scheduler.Complete(settleCtx, lease, outcome)
		if err == nil {
			break
		}
		if domain.KindOf(err) != domain.KindCancelled {
			log.Error("failed to complete job", "error", err)
			break
		}
		if _, err := wp.scheduler.ReportFailure(settleCtx, lease, err, outcome); err != nil {
			log.Error("failed to record cancellation", "error", err)
		}
	case ctx.Err() != nil:
		if _, err := wp.scheduler.Release(settleCtx, lease); err != nil {
			log.Error("failed to release job on shutdown", "error", err)
		}
	case lostLease(cause) || lostLease(runErr):
		log.Warn("lease lost mid-run", "cause", cause, "error", runErr)
	default:
		if cause != nil && !errors.Is(cause, context.Canceled) {
			runErr = domain.NewError(domain.KindCancelled, lease.Job().State, cause)
		}
		if _, err := wp.scheduler.ReportFailure(settleCtx, lease, runErr, outcome); err != nil {
			log.Error("failed to report job failure", "error", err)
		}
	}
	wp.settle(settleCtx, lease, prog, runErr)
}

// settle emits the attempt's last snapshot and frees scratch space once the
// job is terminal.
func (wp *WorkerPool) settle(ctx context.Context, lease *Lease, prog *JobProgress, runErr error) {
	job := lease.Job()
	if fresh, err := wp.scheduler.Get(ctx, job.ID); err == nil {
		job = fresh
	}
	prog.Finish(ctx, job.State, runErr)
	if !job.State.IsTerminal() {
		return
	}

	outcome := job.Outcome
	if outcome == nil {
		outcome = &domain.Outcome{Status: job.State}
	}
	outcome.DiscardPending()
	if _, err := wp.cleanup.Release(job.ID, job.State, outcome); err != nil {
		wp.logger.Error("failed to release scratch", "job_id", job.ID, "error", err)
	}
	wp.progress.Forget(job.ID)
}

func lostLease(err error) bool {
	return errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrNotFound)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
