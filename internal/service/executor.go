package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

type ExecutorConfig struct {
	Catalog            domain.Catalog
	Policy             domain.PartialPolicy
	SegmentSeconds     int
	ThumbnailFractions []float64
	FetchTimeout       time.Duration
}

// Attempt is one run of a leased job through the pipeline.
type Attempt struct {
	JobID      string
	SourceRef  string
	ScratchDir string
	Number     int
	Progress   *JobProgress
	// Advance persists entry into the next stage; a non-nil error stops
	// the run before the stage starts.
	Advance func(ctx context.Context, to domain.JobState) error
}

// Executor drives one attempt through probe, plan, transcode, manifest,
// publish and finalize. It classifies failures but never retries.
type Executor struct {
	fetcher     port.SourceFetcher
	prober      port.Prober
	transcoder  port.Transcoder
	thumbnailer port.Thumbnailer
	synth       port.ManifestSynthesizer
	publisher   *Publisher
	limiter     *Limiter
	cfg         ExecutorConfig
	logger      *slog.Logger
}

type ExecutorDeps struct {
	Fetcher     port.SourceFetcher
	Prober      port.Prober
	Transcoder  port.Transcoder
	Thumbnailer port.Thumbnailer
	Synthesizer port.ManifestSynthesizer
	Publisher   *Publisher
	Limiter     *Limiter
}

func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig, l *slog.Logger) *Executor {
	if cfg.Catalog == nil {
		cfg.Catalog = domain.DefaultCatalog()
	}
	if cfg.Policy == "" {
		cfg.Policy = domain.PolicyBestEffort
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	if cfg.ThumbnailFractions == nil {
		cfg.ThumbnailFractions = domain.DefaultThumbnailFractions
	}
	return &Executor{
		fetcher:     deps.Fetcher,
		prober:      deps.Prober,
		transcoder:  deps.Transcoder,
		thumbnailer: deps.Thumbnailer,
		synth:       deps.Synthesizer,
		publisher:   deps.Publisher,
		limiter:     deps.Limiter,
		cfg:         cfg,
		logger:      logger.WithComponent(l, "executor"),
	}
}

// Run returns the outcome so far together with any error, so the caller can
// record partial artifacts even when the attempt fails.
func (e *Executor) Run(ctx context.Context, a Attempt) (outcome *domain.Outcome, err error) {
	outcome = &domain.Outcome{}
	stage := domain.JobStateQueued
	log := logger.WithJob(e.logger, a.JobID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			err = domain.TransientError(stage, fmt.Errorf("panic: %v", r))
		}
	}()

	enter := func(to domain.JobState) error {
		stage = to
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Advance(ctx, to); err != nil {
			return err
		}
		a.Progress.Stage(ctx, to)
		log.Debug("stage entered", "stage", to)
		return nil
	}

	if err := enter(domain.JobStateProbing); err != nil {
		return outcome, err
	}
	source, err := e.fetch(ctx, a)
	if err != nil {
		return outcome, domain.WithStage(stage, err)
	}
	probe, err := e.prober.Probe(ctx, source)
	if err != nil {
		return outcome, domain.WithStage(stage, err)
	}
	outcome.Probe = probe

	if err := enter(domain.JobStatePlanning); err != nil {
		return outcome, err
	}
	ladder := domain.PlanLadder(*probe, e.cfg.Catalog)
	for _, q := range ladder {
		outcome.Renditions = append(outcome.Renditions, domain.RenditionArtifact{
			JobID:   a.JobID,
			Quality: q,
			Status:  domain.RenditionPending,
		})
	}
	points := domain.ThumbnailPoints(probe.Duration, e.cfg.ThumbnailFractions)
	for _, pt := range points {
		outcome.Thumbnails = append(outcome.Thumbnails, domain.ThumbnailArtifact{
			JobID:             a.JobID,
			TimestampFraction: pt.Fraction,
			OffsetMs:          pt.Offset.Milliseconds(),
		})
	}
	log.Info("ladder planned", "source", fmt.Sprintf("%dx%d", probe.Width, probe.Height),
		"renditions", len(ladder), "thumbnails", len(points))

	if err := enter(domain.JobStateTranscoding); err != nil {
		return outcome, err
	}
	a.Progress.SetRenditions(len(ladder))
	e.fanOut(ctx, a, source, probe, points, outcome)
	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	if err := e.cfg.Policy.Evaluate(outcome.Renditions); err != nil {
		return outcome, err
	}

	opts := port.ManifestOptions{SegmentSeconds: e.cfg.SegmentSeconds, HasAudio: probe.HasAudio()}
	if err := enter(domain.JobStateManifesting); err != nil {
		return outcome, err
	}
	manifests, err := e.synth.Synthesize(a.JobID, outcome.Renditions, opts)
	if err != nil {
		return outcome, domain.NewError(domain.KindOf(err), stage, err)
	}
	outcome.Manifests = manifests

	if err := enter(domain.JobStatePublishing); err != nil {
		return outcome, err
	}
	if err := e.publisher.Publish(ctx, a.JobID, outcome, opts); err != nil {
		return outcome, domain.WithStage(stage, err)
	}

	if err := enter(domain.JobStateFinalizing); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Executor) fetch(ctx context.Context, a Attempt) (string, error) {
	fetchCtx := ctx
	if e.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
	}
	source, err := e.fetcher.Fetch(fetchCtx, a.SourceRef, a.ScratchDir)
	if err != nil && ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return "", domain.TimeoutError(domain.JobStateProbing, fmt.Errorf("fetch source exceeded %s: %w", e.cfg.FetchTimeout, err))
	}
	return source, err
}

// fanOut runs every rendition and thumbnail to completion. Tasks never
// return errors, so one failure cannot cancel its siblings; each records
// its own result in place.
func (e *Executor) fanOut(ctx context.Context, a Attempt, source string, probe *domain.SourceProbe, points []domain.ThumbnailPoint, o *domain.Outcome) {
	var g errgroup.Group
	for i := range o.Renditions {
		g.Go(func() error {
			e.encode(ctx, a, source, probe, i, &o.Renditions[i])
			return nil
		})
	}

	thumbDir := filepath.Join(a.ScratchDir, "thumbnails")
	if err := os.MkdirAll(thumbDir, 0755); err != nil {
		for i := range o.Thumbnails {
			o.Thumbnails[i].Error = err.Error()
		}
	} else {
		for i := range o.Thumbnails {
			g.Go(func() error {
				e.thumbnail(ctx, a.JobID, source, thumbDir, points[i], &o.Thumbnails[i])
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (e *Executor) encode(ctx context.Context, a Attempt, source string, probe *domain.SourceProbe, i int, r *domain.RenditionArtifact) {
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("panic encoding %s: %v", r.Quality.Name, rec))
			failRendition(r, err)
		}
		a.Progress.RenditionDone(ctx, i, err)
	}()

	r.AttemptCount = a.Number
	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		failRendition(r, err)
		return
	}
	defer release()

	r.Status = domain.RenditionRunning
	art, err := e.transcoder.Transcode(ctx, port.TranscodeRequest{
		JobID:          a.JobID,
		SourcePath:     source,
		OutputDir:      filepath.Join(a.ScratchDir, "renditions", r.Quality.Name),
		Target:         r.Quality,
		SegmentSeconds: e.cfg.SegmentSeconds,
		Duration:       probe.Duration.Seconds(),
	}, func(fraction float64) {
		a.Progress.Rendition(ctx, i, fraction)
	})
	if err != nil {
		failRendition(r, err)
		e.logger.Warn("rendition failed", "job_id", a.JobID, "quality", r.Quality.Name,
			"error_kind", domain.KindOf(err), "error", logger.SanitizeForLog(err.Error()))
		return
	}

	quality := r.Quality
	*r = *art
	r.JobID = a.JobID
	r.Quality = quality
	r.Status = domain.RenditionSucceeded
	r.AttemptCount = a.Number
}

func failRendition(r *domain.RenditionArtifact, err error) {
	r.Status = domain.RenditionFailed
	r.ErrorKind = domain.KindOf(err)
	r.Error = truncateDetail(err)
	r.Segments = nil
	r.Publish = domain.PublishRecord{Status: domain.PublishDiscarded}
}

func (e *Executor) thumbnail(ctx context.Context, jobID, source, dir string, pt domain.ThumbnailPoint, t *domain.ThumbnailArtifact) {
	defer func() {
		if rec := recover(); rec != nil {
			t.Error = fmt.Sprintf("panic: %v", rec)
			t.LocalPath = ""
		}
	}()

	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		t.Error = err.Error()
		return
	}
	defer release()

	out := filepath.Join(dir, path.Base(domain.ThumbnailKey(jobID, pt.Fraction)))
	if err := e.thumbnailer.Thumbnail(ctx, source, out, pt); err != nil {
		t.Error = truncateDetail(err)
		e.logger.Warn("thumbnail failed", "job_id", jobID, "offset", pt.Offset, "error", logger.SanitizeForLog(err.Error()))
		return
	}
	if info, err := os.Stat(out); err == nil {
		t.SizeBytes = info.Size()
	}
	t.LocalPath = out
}
