package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/reel/internal/domain"
)

type MaintenanceReport struct {
	Requeued  int
	Failed    int
	Cancelled int
	Starved   int
	Purged    int
}

func (r MaintenanceReport) Empty() bool {
	return r == MaintenanceReport{}
}

// RunMaintenance reclaims expired leases, fails jobs that exceeded the
// residency limit and purges terminal jobs past retention. Conflicts with
// live workers are skipped; the next pass sees the fresh row.
func (s *Scheduler) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	now := s.now()

	expired, err := s.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list expired leases: %w", err)
	}
	for _, job := range expired {
		owner := job.LeaseOwner
		err := s.applyFailure(job, domain.KindTimeout, "lease expired before the attempt finished", job.Outcome, now)
		if err != nil {
			s.logger.Error("reclaim expired lease", "job_id", job.ID, "error", err)
			continue
		}
		if !s.saveReclaimed(ctx, job, owner) {
			continue
		}
		switch job.State {
		case domain.JobStateQueued:
			report.Requeued++
		case domain.JobStateCancelled:
			report.Cancelled++
		default:
			report.Failed++
		}
	}

	if s.cfg.MaxResidency > 0 {
		resident, err := s.store.ListResidentSince(ctx, now.Add(-s.cfg.MaxResidency))
		if err != nil {
			return report, fmt.Errorf("list resident jobs: %w", err)
		}
		for _, job := range resident {
			owner := job.LeaseOwner
			detail := fmt.Sprintf("exceeded max residency of %s", s.cfg.MaxResidency)
			if err := s.terminate(job, domain.JobStateFailed, domain.KindStarvation, detail, job.Outcome, now); err != nil {
				s.logger.Error("fail starving job", "job_id", job.ID, "error", err)
				continue
			}
			job.Flagged = true
			if s.saveReclaimed(ctx, job, owner) {
				report.Starved++
			}
		}
	}

	// Queued jobs flagged for cancel whose lease lapsed are never leased again.
	queued, err := s.store.ListByState(ctx, domain.JobStateQueued)
	if err != nil {
		return report, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		if !job.CancelRequested || job.HoldsLease(job.LeaseOwner, now) {
			continue
		}
		owner := job.LeaseOwner
		if err := s.terminate(job, domain.JobStateCancelled, domain.KindCancelled, "cancelled before execution", job.Outcome, now); err != nil {
			continue
		}
		if s.saveReclaimed(ctx, job, owner) {
			report.Cancelled++
		}
	}

	if s.cfg.Retention > 0 {
		purged, err := s.store.PurgeTerminal(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return report, fmt.Errorf("purge terminal jobs: %w", err)
		}
		report.Purged = purged
	}

	if !report.Empty() {
		s.logger.Info("maintenance pass", "requeued", report.Requeued, "failed", report.Failed,
			"cancelled", report.Cancelled, "starved", report.Starved, "purged", report.Purged)
	}
	return report, nil
}

// saveReclaimed writes a job taken over from its (possibly absent) lease
// holder and finalizes it when terminal.
func (s *Scheduler) saveReclaimed(ctx context.Context, job *domain.ProcessingJob, owner string) bool {
	if err := s.store.Save(ctx, job, owner); err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrLeaseLost) {
			s.logger.Error("save reclaimed job", "job_id", job.ID, "error", err)
		}
		return false
	}
	if job.State.IsTerminal() {
		if job.Flagged {
			s.logger.Warn("job starved", "job_id", job.ID, "created_at", job.CreatedAt)
		}
		s.finalize(ctx, job)
	}
	return true
}

// RunMaintenanceLoop calls RunMaintenance every interval until ctx is done.
func (s *Scheduler) RunMaintenanceLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("maintenance failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
