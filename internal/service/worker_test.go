package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

type poolHarness struct {
	*executorFixture
	store     port.JobStore
	scheduler *Scheduler
	cleanup   *CleanupManager
	finalizer *recordingFinalizer
	pool      *WorkerPool
	cancel    context.CancelFunc
}

func newPoolHarness(t *testing.T, opts fixtureOptions, cfg SchedulerConfig) *poolHarness {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryCap = time.Millisecond
	}
	h := &poolHarness{
		executorFixture: newExecutorFixture(t, opts),
		store:           newJobStore(t),
		finalizer:       &recordingFinalizer{},
	}
	h.scheduler = newTestScheduler(t, h.store, h.finalizer, cfg, nil)
	h.cleanup = NewCleanupManager(filepath.Join(t.TempDir(), "scratch"), logger.Discard())
	h.pool = NewWorkerPool(h.scheduler, h.executor, h.cleanup, h.progress, WorkerPoolConfig{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		Owner:        "test",
	}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.pool.Wait()
	})
	return h
}

func (h *poolHarness) waitState(t *testing.T, id string, want domain.JobState) *domain.ProcessingJob {
	t.Helper()
	var job *domain.ProcessingJob
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestWorkerPoolEndToEnd(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{}, SchedulerConfig{})
	id, err := h.scheduler.Enqueue(context.Background(), domain.Submission{
		SourceAssetRef: "/media/in.mp4",
		OwnerID:        "owner-1",
		Priority:       domain.PriorityHigh,
		MaxAttempts:    3,
	})
	require.NoError(t, err)

	job := h.waitState(t, id, domain.JobStateCompleted)
	assert.Equal(t, 0, job.AttemptCount)
	require.NotNil(t, job.Outcome)
	assert.Equal(t, []string{"144p", "240p", "360p", "480p", "720p", "1080p"}, job.Outcome.AvailableQualities())

	master, ok := h.artifacts.Get(domain.MasterKey(id))
	require.True(t, ok)
	assert.Equal(t, 6, strings.Count(string(master.body), "#EXT-X-STREAM-INF"))
	for _, fraction := range domain.DefaultThumbnailFractions {
		_, ok := h.artifacts.Get(domain.ThumbnailKey(id, fraction))
		assert.True(t, ok, "thumbnail at %v", fraction)
	}

	require.Eventually(t, func() bool {
		return !dirExists(h.cleanup.Dir(id))
	}, 5*time.Second, 5*time.Millisecond, "scratch released")

	calls := h.finalizer.CallsFor(id)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStateCompleted, calls[0].outcome.Status)

	require.Eventually(t, func() bool {
		last, ok := h.bus.Last(id)
		return ok && last.Stage == domain.JobStateCompleted && last.PercentComplete == 100
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWorkerPoolRetriesTransientFailure(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{}, SchedulerConfig{})
	h.transcoder.FailOnce("144p", domain.TransientError(domain.JobStateTranscoding, errors.New("exit status 137")))

	id, err := h.scheduler.Enqueue(context.Background(), submission(domain.PriorityNormal))
	require.NoError(t, err)

	job := h.waitState(t, id, domain.JobStateCompleted)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, 2, h.transcoder.Calls("144p"))
	assert.Equal(t, 2, h.transcoder.Calls("1080p"), "a retry re-encodes every rendition")
	assert.Len(t, h.finalizer.CallsFor(id), 1)
}

func TestWorkerPoolInputFailure(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{}, SchedulerConfig{})
	h.prober.err = domain.InputError(domain.JobStateProbing, domain.ErrNoVideoStream)

	id, err := h.scheduler.Enqueue(context.Background(), submission(domain.PriorityNormal))
	require.NoError(t, err)

	job := h.waitState(t, id, domain.JobStateFailed)
	assert.Equal(t, domain.KindInput, job.ErrorKind)
	assert.Equal(t, 1, job.AttemptCount)

	require.Eventually(t, func() bool {
		return !dirExists(h.cleanup.Dir(id))
	}, 5*time.Second, 5*time.Millisecond)
	calls := h.finalizer.CallsFor(id)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStateFailed, calls[0].outcome.Status)
}

func TestWorkerPoolCancelRunningJob(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{delay: 30 * time.Second}, SchedulerConfig{LeaseTTL: 60 * time.Millisecond})

	id, err := h.scheduler.Enqueue(context.Background(), submission(domain.PriorityNormal))
	require.NoError(t, err)
	h.waitState(t, id, domain.JobStateTranscoding)

	_, err = h.scheduler.Cancel(context.Background(), id)
	require.NoError(t, err)

	job := h.waitState(t, id, domain.JobStateCancelled)
	assert.Equal(t, domain.KindCancelled, job.ErrorKind)
	assert.Equal(t, 0, job.AttemptCount)

	require.Eventually(t, func() bool {
		return !dirExists(h.cleanup.Dir(id))
	}, 5*time.Second, 5*time.Millisecond)
	calls := h.finalizer.CallsFor(id)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStateCancelled, calls[0].outcome.Status)
}

func TestWorkerPoolCancelStopsLocalJobBeforeHeartbeat(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{delay: 30 * time.Second}, SchedulerConfig{LeaseTTL: time.Hour})

	id, err := h.scheduler.Enqueue(context.Background(), submission(domain.PriorityNormal))
	require.NoError(t, err)
	h.waitState(t, id, domain.JobStateTranscoding)

	requested := time.Now()
	_, err = h.scheduler.Cancel(context.Background(), id)
	require.NoError(t, err)

	job := h.waitState(t, id, domain.JobStateCancelled)
	assert.Less(t, time.Since(requested), 2*time.Second, "heartbeat would tick after 20m")
	assert.Equal(t, domain.KindCancelled, job.ErrorKind)
	assert.Len(t, h.finalizer.CallsFor(id), 1)
}

func TestSchedulerTrackUnregisters(t *testing.T) {
	store := newJobStore(t)
	s := newTestScheduler(t, store, nil, SchedulerConfig{}, nil)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := s.Track(id, cancel)
	untrack()

	_, err = s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.NoError(t, jobCtx.Err(), "untracked attempt is left to the heartbeat")
}

func TestWorkerPoolShutdownReleasesJob(t *testing.T) {
	h := newPoolHarness(t, fixtureOptions{delay: 30 * time.Second}, SchedulerConfig{})

	id, err := h.scheduler.Enqueue(context.Background(), submission(domain.PriorityNormal))
	require.NoError(t, err)
	h.waitState(t, id, domain.JobStateTranscoding)

	h.cancel()
	h.pool.Wait()

	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Empty(t, job.LeaseOwner)
	assert.Empty(t, h.finalizer.Calls())
	assert.True(t, dirExists(h.cleanup.Dir(id)), "scratch is kept for the next attempt")
}
