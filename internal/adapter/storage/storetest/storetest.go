// Package storetest is the behavioural contract every port.JobStore backend
// must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) port.JobStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob returns a queued job created offset after the suite's base time.
func NewJob(id string, priority domain.Priority, offset time.Duration) *domain.ProcessingJob {
	created := base.Add(offset)
	return &domain.ProcessingJob{
		ID:             id,
		SourceAssetRef: "/src/" + id + ".mp4",
		OwnerID:        "owner-1",
		Metadata:       map[string]string{"title": id},
		Priority:       priority,
		State:          domain.JobStateQueued,
		MaxAttempts:    3,
		NextEligibleAt: created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func lease(owner string, limit, maxActive int, now time.Time) domain.LeaseRequest {
	return domain.LeaseRequest{Owner: owner, Limit: limit, MaxActive: maxActive, TTL: time.Minute, Now: now}
}

func ids(jobs []*domain.ProcessingJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("j1", domain.PriorityHigh, 0)
		job.Outcome = &domain.Outcome{
			Status:     domain.JobStateCompleted,
			Renditions: []domain.RenditionArtifact{{JobID: "j1", Quality: domain.QualityTarget{Name: "144p", Height: 144}, Status: domain.RenditionSucceeded}},
		}
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "j1", got.ID)
		assert.Equal(t, "/src/j1.mp4", got.SourceAssetRef)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, "j1", got.Metadata["title"])
		assert.Equal(t, domain.PriorityHigh, got.Priority)
		assert.Equal(t, domain.JobStateQueued, got.State)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.True(t, got.CreatedAt.Equal(job.CreatedAt))
		assert.True(t, got.NextEligibleAt.Equal(job.NextEligibleAt))
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.Outcome)
		assert.Equal(t, "144p", got.Outcome.Renditions[0].Quality.Name)
		assert.Nil(t, got.TerminalAt)
	})

	t.Run("get unknown job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("create duplicate id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("dup", domain.PriorityNormal, 0)))
		assert.Error(t, s.Create(ctx, NewJob("dup", domain.PriorityNormal, 0)))
	})

	t.Run("lease orders by priority then fifo", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("low-1", domain.PriorityLow, 0)))
		require.NoError(t, s.Create(ctx, NewJob("normal-1", domain.PriorityNormal, time.Second)))
		require.NoError(t, s.Create(ctx, NewJob("high-2", domain.PriorityHigh, 3*time.Second)))
		require.NoError(t, s.Create(ctx, NewJob("high-1", domain.PriorityHigh, 2*time.Second)))
		require.NoError(t, s.Create(ctx, NewJob("normal-2", domain.PriorityNormal, 4*time.Second)))

		leased, err := s.Lease(ctx, lease("w1", 10, 0, now))
		require.NoError(t, err)
		assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, ids(leased))
		for _, j := range leased {
			assert.Equal(t, "w1", j.LeaseOwner)
			assert.True(t, j.LeaseExpiresAt.Equal(now.Add(time.Minute)))
		}
	})

	t.Run("lease respects limit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Create(ctx, NewJob(fmt.Sprintf("j%d", i), domain.PriorityNormal, time.Duration(i)*time.Second)))
		}
		leased, err := s.Lease(ctx, lease("w1", 2, 0, now))
		require.NoError(t, err)
		assert.Equal(t, []string{"j0", "j1"}, ids(leased))
	})

	t.Run("lease skips jobs not yet eligible", func(t *testing.T) {
		s := newStore(t)
		later := NewJob("later", domain.PriorityHigh, 0)
		later.NextEligibleAt = now.Add(30 * time.Second)
		require.NoError(t, s.Create(ctx, later))
		require.NoError(t, s.Create(ctx, NewJob("ready", domain.PriorityLow, 0)))

		leased, err := s.Lease(ctx, lease("w1", 5, 0, now))
		require.NoError(t, err)
		assert.Equal(t, []string{"ready"}, ids(leased))

		// ready is still held until now+1m.
		leased, err = s.Lease(ctx, lease("w1", 5, 0, now.Add(45*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, []string{"later"}, ids(leased))

		// Both leases have expired without a save; the queued jobs are
		// leasable again.
		leased, err = s.Lease(ctx, lease("w2", 5, 0, now.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, []string{"later", "ready"}, ids(leased))
		for _, j := range leased {
			assert.Equal(t, "w2", j.LeaseOwner)
		}
	})

	t.Run("lease is exclusive until expiry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))

		first, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := s.Lease(ctx, lease("w2", 1, 0, now.Add(30*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, second)

		third, err := s.Lease(ctx, lease("w2", 1, 0, now.Add(2*time.Minute)))
		require.NoError(t, err)
		require.Len(t, third, 1)
		assert.Equal(t, "w2", third[0].LeaseOwner)
	})

	t.Run("lease enforces global active cap", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Create(ctx, NewJob(fmt.Sprintf("j%d", i), domain.PriorityNormal, time.Duration(i)*time.Second)))
		}

		a, err := s.Lease(ctx, lease("w1", 5, 2, now))
		require.NoError(t, err)
		assert.Len(t, a, 2)

		b, err := s.Lease(ctx, lease("w2", 5, 2, now))
		require.NoError(t, err)
		assert.Empty(t, b)

		done := a[0]
		require.NoError(t, done.Transition(domain.JobStateCancelled, now))
		require.NoError(t, s.Save(ctx, done, "w1"))

		c, err := s.Lease(ctx, lease("w2", 5, 2, now))
		require.NoError(t, err)
		assert.Len(t, c, 1)
	})

	t.Run("concurrent leases never hand out a job twice", func(t *testing.T) {
		s := newStore(t)
		const jobs = 12
		for i := 0; i < jobs; i++ {
			require.NoError(t, s.Create(ctx, NewJob(fmt.Sprintf("j%02d", i), domain.PriorityNormal, time.Duration(i)*time.Millisecond)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]string)
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				for {
					leased, err := s.Lease(ctx, lease(owner, 1, 0, now))
					if err != nil || len(leased) == 0 {
						return
					}
					mu.Lock()
					for _, j := range leased {
						if prev, dup := seen[j.ID]; dup {
							t.Errorf("job %s leased by %s and %s", j.ID, prev, owner)
						}
						seen[j.ID] = owner
					}
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()
		assert.Len(t, seen, jobs)
	})

	t.Run("save detects stale versions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))
		leased, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)
		require.Len(t, leased, 1)

		job := leased[0]
		stale := job.Clone()
		require.NoError(t, job.Transition(domain.JobStateProbing, now))
		require.NoError(t, s.Save(ctx, job, "w1"))
		assert.Equal(t, stale.Version+1, job.Version)

		require.NoError(t, stale.Transition(domain.JobStateProbing, now))
		assert.ErrorIs(t, s.Save(ctx, stale, "w1"), domain.ErrConflict)

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateProbing, got.State)
		assert.Equal(t, job.Version, got.Version)
	})

	t.Run("save by non owner loses lease", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))
		leased, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)
		require.Len(t, leased, 1)

		assert.ErrorIs(t, s.Save(ctx, leased[0], "w2"), domain.ErrLeaseLost)
		assert.ErrorIs(t, s.Save(ctx, NewJob("ghost", domain.PriorityLow, 0), ""), domain.ErrNotFound)
	})

	t.Run("cancel queued job is immediate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))

		job, err := s.RequestCancel(ctx, "j1", now)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCancelled, job.State)
		require.NotNil(t, job.TerminalAt)

		leased, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)
		assert.Empty(t, leased)

		_, err = s.RequestCancel(ctx, "j1", now)
		assert.ErrorIs(t, err, domain.ErrTerminal)
	})

	t.Run("cancel active job flags holder", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))
		leased, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)
		job := leased[0]
		require.NoError(t, job.Transition(domain.JobStateProbing, now))
		require.NoError(t, s.Save(ctx, job, "w1"))

		flagged, err := s.RequestCancel(ctx, "j1", now)
		require.NoError(t, err)
		assert.True(t, flagged.CancelRequested)
		assert.Equal(t, domain.JobStateProbing, flagged.State)

		require.NoError(t, job.Transition(domain.JobStatePlanning, now))
		assert.ErrorIs(t, s.Save(ctx, job, "w1"), domain.ErrConflict)
	})

	t.Run("list expired leases", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("j1", domain.PriorityNormal, 0)))
		require.NoError(t, s.Create(ctx, NewJob("j2", domain.PriorityNormal, time.Second)))
		_, err := s.Lease(ctx, lease("w1", 1, 0, now))
		require.NoError(t, err)

		expired, err := s.ListExpiredLeases(ctx, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.Empty(t, expired)

		expired, err = s.ListExpiredLeases(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"j1"}, ids(expired))
	})

	t.Run("list resident and by state", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("old", domain.PriorityNormal, 0)))
		require.NoError(t, s.Create(ctx, NewJob("new", domain.PriorityNormal, 10*time.Minute)))
		done := NewJob("done", domain.PriorityNormal, -time.Hour)
		require.NoError(t, done.Transition(domain.JobStateCancelled, now))
		require.NoError(t, s.Create(ctx, done))

		resident, err := s.ListResidentSince(ctx, base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids(resident))

		queued, err := s.ListByState(ctx, domain.JobStateQueued)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old", "new"}, ids(queued))

		all, err := s.ListByState(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("purge terminal past retention", func(t *testing.T) {
		s := newStore(t)
		old := NewJob("old", domain.PriorityNormal, 0)
		require.NoError(t, old.Transition(domain.JobStateCancelled, base))
		require.NoError(t, s.Create(ctx, old))
		recent := NewJob("recent", domain.PriorityNormal, 0)
		require.NoError(t, recent.Transition(domain.JobStateCancelled, now))
		require.NoError(t, s.Create(ctx, recent))
		require.NoError(t, s.Create(ctx, NewJob("live", domain.PriorityNormal, 0)))

		n, err := s.PurgeTerminal(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Get(ctx, "recent")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "live")
		assert.NoError(t, err)
	})
}
