package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

// ProgressReporter turns pipeline events into ProgressSnapshots. Percent
// complete never decreases for a job, retries included.
type ProgressReporter struct {
	sinks    []port.ProgressSink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	high map[string]float64
}

// NewProgressReporter emits to every sink. interval throttles the periodic
// snapshots sent while renditions encode; stage changes are always sent.
func NewProgressReporter(interval time.Duration, l *slog.Logger, sinks ...port.ProgressSink) *ProgressReporter {
	return &ProgressReporter{
		sinks:    sinks,
		interval: interval,
		logger:   logger.WithComponent(l, "progress"),
		now:      func() time.Time { return time.Now().UTC() },
		high:     make(map[string]float64),
	}
}

// Start begins reporting one attempt of a job.
func (r *ProgressReporter) Start(jobID string, attempt int) *JobProgress {
	return &JobProgress{
		r:       r,
		jobID:   jobID,
		attempt: attempt,
		stage:   domain.JobStateQueued,
		started: r.now(),
	}
}

// Forget releases the high-water mark once a job is terminal.
func (r *ProgressReporter) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.high, jobID)
}

// raise records percent and returns the job's high-water mark.
func (r *ProgressReporter) raise(jobID string, percent float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if percent > r.high[jobID] {
		r.high[jobID] = percent
	}
	return r.high[jobID]
}

func (r *ProgressReporter) emit(ctx context.Context, snap domain.ProgressSnapshot) {
	for _, sink := range r.sinks {
		if err := sink.Emit(ctx, snap); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("progress emit failed", "job_id", snap.JobID, "error", err)
		}
	}
}

// JobProgress tracks one attempt. It is safe for concurrent use by the
// rendition tasks of that attempt.
type JobProgress struct {
	r       *ProgressReporter
	jobID   string
	attempt int

	// emitMu orders emission so sinks see snapshots in the order they were
	// computed. It is taken before mu.
	emitMu sync.Mutex

	mu        sync.Mutex
	stage     domain.JobState
	started   time.Time
	lastEmit  time.Time
	fractions []float64
	completed int
	lastError string
}

// Stage reports entry into a new stage.
func (p *JobProgress) Stage(ctx context.Context, stage domain.JobState) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	p.stage = stage
	snap := p.snapshotLocked(domain.StagePercent(stage, 0))
	p.mu.Unlock()
	p.r.emit(ctx, snap)
}

// SetRenditions sizes the transcode fan-out.
func (p *JobProgress) SetRenditions(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fractions = make([]float64, n)
	p.completed = 0
}

// Rendition records encode progress of rendition i, emitting at most once
// per interval.
func (p *JobProgress) Rendition(ctx context.Context, i int, fraction float64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	if i < 0 || i >= len(p.fractions) || fraction <= p.fractions[i] {
		p.mu.Unlock()
		return
	}
	p.fractions[i] = fraction
	now := p.r.now()
	if p.r.interval > 0 && now.Sub(p.lastEmit) < p.r.interval {
		p.r.raise(p.jobID, p.transcodePercentLocked())
		p.mu.Unlock()
		return
	}
	snap := p.snapshotLocked(p.transcodePercentLocked())
	p.mu.Unlock()
	p.r.emit(ctx, snap)
}

// RenditionDone marks rendition i settled, successfully or not.
func (p *JobProgress) RenditionDone(ctx context.Context, i int, err error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	if i >= 0 && i < len(p.fractions) {
		p.fractions[i] = 1
	}
	if err == nil {
		p.completed++
	} else {
		p.lastError = truncateDetail(err)
	}
	snap := p.snapshotLocked(p.transcodePercentLocked())
	p.mu.Unlock()
	p.r.emit(ctx, snap)
}

// Finish emits the terminal or requeued snapshot of the attempt.
func (p *JobProgress) Finish(ctx context.Context, state domain.JobState, err error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	p.stage = state
	if err != nil {
		p.lastError = truncateDetail(err)
	}
	percent := 0.0
	if state == domain.JobStateCompleted {
		percent = 100
	}
	snap := p.snapshotLocked(percent)
	if state.IsTerminal() {
		snap.EstimatedRemainingMs = 0
	}
	p.mu.Unlock()
	p.r.emit(ctx, snap)
}

func (p *JobProgress) Snapshot() domain.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastEmit
	snap := p.snapshotLocked(0)
	p.lastEmit = last
	return snap
}

func (p *JobProgress) transcodePercentLocked() float64 {
	if len(p.fractions) == 0 {
		return domain.StagePercent(domain.JobStateTranscoding, 0)
	}
	var sum float64
	for _, f := range p.fractions {
		sum += f
	}
	return domain.StagePercent(domain.JobStateTranscoding, sum/float64(len(p.fractions)))
}

func (p *JobProgress) snapshotLocked(percent float64) domain.ProgressSnapshot {
	now := p.r.now()
	percent = p.r.raise(p.jobID, percent)
	p.lastEmit = now

	var eta int64
	if percent > 0 && percent < 100 {
		elapsed := now.Sub(p.started)
		eta = int64(float64(elapsed.Milliseconds()) * (100 - percent) / percent)
	}
	return domain.ProgressSnapshot{
		JobID:                p.jobID,
		Stage:                p.stage,
		PercentComplete:      percent,
		QualitiesCompleted:   p.completed,
		QualitiesTotal:       len(p.fractions),
		EstimatedRemainingMs: eta,
		LastError:            p.lastError,
		Attempt:              p.attempt,
		At:                   now,
	}
}
