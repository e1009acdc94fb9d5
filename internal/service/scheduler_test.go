package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reel/internal/domain"
)

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newJobStore(t)
	s := newTestScheduler(t, store, nil, SchedulerConfig{}, clock)

	id, err := s.Enqueue(ctx, domain.Submission{SourceAssetRef: "/media/a.mp4", OwnerID: "u1", Metadata: map[string]string{"title": "a"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.AttemptCount)
	assert.True(t, job.NextEligibleAt.Equal(epoch))
	assert.Equal(t, "a", job.Metadata["title"])
}

func TestEnqueueRejectsInvalidSubmission(t *testing.T) {
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{}, newClock())

	tests := []struct {
		name string
		sub  domain.Submission
	}{
		{"missing source", domain.Submission{OwnerID: "u1"}},
		{"missing owner", domain.Submission{SourceAssetRef: "/a.mp4"}},
		{"bad priority", domain.Submission{SourceAssetRef: "/a.mp4", OwnerID: "u1", Priority: "urgent"}},
		{"negative attempts", domain.Submission{SourceAssetRef: "/a.mp4", OwnerID: "u1", MaxAttempts: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.sub)
			assert.ErrorIs(t, err, domain.ErrInvalidSubmission)
		})
	}
}

func TestLeasePriorityOrderAndActiveCap(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{MaxActiveJobs: 2}, clock)

	low, err := s.Enqueue(ctx, submission(domain.PriorityLow))
	require.NoError(t, err)
	clock.Advance(time.Second)
	normal, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	clock.Advance(time.Second)
	high, err := s.Enqueue(ctx, submission(domain.PriorityHigh))
	require.NoError(t, err)

	leases, err := s.Lease(ctx, "w1", 5)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, high, leases[0].ID())
	assert.Equal(t, normal, leases[1].ID())

	more, err := s.Lease(ctx, "w2", 5)
	require.NoError(t, err)
	assert.Empty(t, more, "active cap reached")

	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))
	_, err = s.ReportFailure(ctx, leases[0], domain.InputError(domain.JobStateProbing, errors.New("bad")), nil)
	require.NoError(t, err)

	more, err = s.Lease(ctx, "w2", 5)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, low, more[0].ID())
}

func TestAdvanceIsStrictlyForward(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{LeaseTTL: time.Minute}, clock)

	_, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	lease := leases[0]

	err = s.Advance(ctx, lease, domain.JobStatePlanning)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(10 * time.Second)
	require.NoError(t, s.Advance(ctx, lease, domain.JobStateProbing))
	job := lease.Job()
	assert.Equal(t, domain.JobStateProbing, job.State)
	assert.True(t, job.LeaseExpiresAt.Equal(clock.Now().Add(time.Minute)), "advance renews the lease")

	err = s.Advance(ctx, lease, domain.JobStateTranscoding)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReportFailureRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{RetryBase: 10 * time.Second, RetryCap: time.Minute}, clock)

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)

	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStatePlanning))

	job, err := s.ReportFailure(ctx, leases[0], domain.TransientError(domain.JobStatePlanning, errors.New("ffmpeg crashed")), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, domain.KindTransientTool, job.ErrorKind)
	assert.Empty(t, job.LeaseOwner)
	assert.True(t, job.NextEligibleAt.Equal(clock.Now().Add(10*time.Second)))

	none, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, none, "not eligible before the backoff elapses")

	clock.Advance(10 * time.Second)
	leases, err = s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, id, leases[0].ID())

	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))
	job, err = s.ReportFailure(ctx, leases[0], domain.TimeoutError(domain.JobStateProbing, errors.New("slow")), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
	assert.True(t, job.NextEligibleAt.Equal(clock.Now().Add(20*time.Second)), "backoff doubles")
	assert.Empty(t, fin.Calls())
}

func TestReportFailureInputErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))

	job, err := s.ReportFailure(ctx, leases[0], domain.InputError(domain.JobStateProbing, domain.ErrNoVideoStream), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, domain.KindInput, job.ErrorKind)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.TerminalAt)

	calls := fin.CallsFor(id)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStateFailed, calls[0].outcome.Status)
	assert.Contains(t, calls[0].outcome.Reason, "no video stream")
}

func TestReportFailureExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{RetryBase: time.Second, RetryCap: time.Second}, clock)

	sub := submission(domain.PriorityNormal)
	sub.MaxAttempts = 2
	id, err := s.Enqueue(ctx, sub)
	require.NoError(t, err)

	var job *domain.ProcessingJob
	for range 2 {
		leases, err := s.Lease(ctx, "w1", 1)
		require.NoError(t, err)
		require.Len(t, leases, 1)
		require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))
		job, err = s.ReportFailure(ctx, leases[0], domain.StorageError(domain.JobStateProbing, errors.New("bucket down")), nil)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, domain.KindStorage, job.ErrorKind)
	assert.Contains(t, job.ErrorDetail, "attempts exhausted (2/2)")
	assert.Len(t, fin.CallsFor(id), 1)
}

func TestReportFailureTruncatesDetail(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{}, newClock())
	_, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	job, err := s.ReportFailure(ctx, leases[0], domain.InputError(domain.JobStateQueued, errors.New(string(long))), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(job.ErrorDetail), maxErrorDetail)
}

func TestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)

	job, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, job.State)
	require.Len(t, fin.CallsFor(id), 1)
	assert.Equal(t, domain.JobStateCancelled, fin.CallsFor(id)[0].outcome.Status)

	_, err = s.Cancel(ctx, id)
	assert.ErrorIs(t, err, domain.ErrTerminal)
	assert.Len(t, fin.CallsFor(id), 1, "finalized once")

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRunningJobStopsAtNextStage(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	lease := leases[0]
	require.NoError(t, s.Advance(ctx, lease, domain.JobStateProbing))

	job, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProbing, job.State)
	assert.True(t, job.CancelRequested)
	assert.Empty(t, fin.Calls())

	err = s.Advance(ctx, lease, domain.JobStatePlanning)
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))

	job, err = s.ReportFailure(ctx, lease, err, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, job.State)
	assert.Equal(t, 0, job.AttemptCount, "cancellation does not consume an attempt")
	assert.Len(t, fin.CallsFor(id), 1)
}

func runToFinalizing(t *testing.T, s *Scheduler, lease *Lease) {
	t.Helper()
	for _, st := range []domain.JobState{
		domain.JobStateProbing, domain.JobStatePlanning, domain.JobStateTranscoding,
		domain.JobStateManifesting, domain.JobStatePublishing, domain.JobStateFinalizing,
	} {
		require.NoError(t, s.Advance(context.Background(), lease, st))
	}
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	runToFinalizing(t, s, leases[0])

	outcome := &domain.Outcome{Renditions: []domain.RenditionArtifact{{
		Quality: domain.QualityTarget{Name: "144p"},
		Status:  domain.RenditionSucceeded,
		Publish: domain.PublishRecord{Status: domain.PublishPublished},
	}}}
	require.NoError(t, s.Complete(ctx, leases[0], outcome))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Empty(t, job.LeaseOwner)
	require.NotNil(t, job.Outcome)
	assert.Equal(t, []string{"144p"}, job.Outcome.AvailableQualities())

	calls := fin.CallsFor(id)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStateCompleted, calls[0].outcome.Status)
}

func TestCompleteLosesToLateCancel(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	runToFinalizing(t, s, leases[0])

	_, err = s.Cancel(ctx, id)
	require.NoError(t, err)

	err = s.Complete(ctx, leases[0], &domain.Outcome{})
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.Empty(t, fin.Calls())
}

func TestReleaseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{}, newClock())

	_, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))

	job, err := s.Release(ctx, leases[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Empty(t, job.LeaseOwner)

	again, err := s.Lease(ctx, "w2", 1)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestMaintenanceReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{LeaseTTL: time.Minute}, clock)

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))

	clock.Advance(2 * time.Minute)
	report, err := s.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, domain.KindTimeout, job.ErrorKind)

	err = s.Advance(ctx, leases[0], domain.JobStatePlanning)
	assert.ErrorIs(t, err, domain.ErrLeaseLost, "the stale holder cannot write")
}

func TestMaintenanceFlagsStarvation(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	fin := &recordingFinalizer{}
	s := newTestScheduler(t, newJobStore(t), fin, SchedulerConfig{MaxResidency: time.Hour}, clock)

	id, err := s.Enqueue(ctx, submission(domain.PriorityLow))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	report, err := s.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty())

	clock.Advance(time.Hour)
	report, err = s.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Starved)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, domain.KindStarvation, job.ErrorKind)
	assert.True(t, job.Flagged)
	assert.Len(t, fin.CallsFor(id), 1)
}

func TestMaintenancePurgesAfterRetention(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{Retention: 24 * time.Hour}, clock)

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Cancel(ctx, id)
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	report, err := s.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Purged)

	clock.Advance(2 * time.Hour)
	report, err = s.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHeartbeatReportsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScheduler(t, newJobStore(t), nil, SchedulerConfig{LeaseTTL: 30 * time.Millisecond}, newClock())

	id, err := s.Enqueue(ctx, submission(domain.PriorityNormal))
	require.NoError(t, err)
	leases, err := s.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, leases[0], domain.JobStateProbing))

	lost := make(chan error, 1)
	go s.Heartbeat(ctx, leases[0], func(err error) { lost <- err })

	_, err = s.Cancel(ctx, id)
	require.NoError(t, err)

	select {
	case err := <-lost:
		assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not notice the cancel request")
	}
}
