package port

import (
	"context"
	"time"

	"github.com/bnema/reel/internal/domain"
)

// JobStore persists processing jobs. Every mutation is conditional on the
// caller's copy being current (Version) and, for leased jobs, on the caller
// still holding the lease.
type JobStore interface {
	Create(ctx context.Context, job *domain.ProcessingJob) error
	Get(ctx context.Context, id string) (*domain.ProcessingJob, error)

	// Lease atomically checks out up to req.Limit eligible queued jobs while
	// keeping the number of leased jobs at or below req.MaxActive.
	Lease(ctx context.Context, req domain.LeaseRequest) ([]*domain.ProcessingJob, error)

	// Save writes job if its Version matches the stored one and increments
	// it. When owner is non-empty the stored row must still be leased to owner.
	Save(ctx context.Context, job *domain.ProcessingJob, owner string) error

	// RequestCancel marks a job for cancellation. Queued jobs are cancelled
	// immediately; active jobs are flagged for their lease holder.
	RequestCancel(ctx context.Context, id string, now time.Time) (*domain.ProcessingJob, error)

	ListExpiredLeases(ctx context.Context, now time.Time) ([]*domain.ProcessingJob, error)
	ListResidentSince(ctx context.Context, before time.Time) ([]*domain.ProcessingJob, error)
	ListByState(ctx context.Context, states ...domain.JobState) ([]*domain.ProcessingJob, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}
