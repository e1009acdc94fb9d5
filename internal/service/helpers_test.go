package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/reel/internal/adapter/manifest/hls"
	"github.com/bnema/reel/internal/adapter/storage/jsonfile"
	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeFetcher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, ref, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return ref, nil
}

type fakeProber struct {
	probe domain.SourceProbe
	err   error
	panic bool
}

func (p *fakeProber) Probe(context.Context, string) (*domain.SourceProbe, error) {
	if p.panic {
		panic("prober exploded")
	}
	if p.err != nil {
		return nil, p.err
	}
	probe := p.probe
	return &probe, nil
}

func probe1080p(seconds int) domain.SourceProbe {
	return domain.SourceProbe{
		Duration:   time.Duration(seconds) * time.Second,
		Container:  "mov",
		VideoCodec: "h264",
		AudioCodec: "aac",
		Width:      1920,
		Height:     1080,
		FrameRate:  30,
		Bitrate:    8_000_000,
	}
}

// fakeTranscoder writes two segments per rendition and records how many
// encodes ran at once across every job that shares it.
type fakeTranscoder struct {
	delay time.Duration

	mu       sync.Mutex
	failures map[string]error
	// failOnce fails the first call for a quality, then succeeds.
	failOnce map[string]error
	panics   map[string]bool
	calls    map[string]int

	running atomic.Int64
	peak    atomic.Int64
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{
		failures: make(map[string]error),
		failOnce: make(map[string]error),
		panics:   make(map[string]bool),
		calls:    make(map[string]int),
	}
}

func (f *fakeTranscoder) Fail(quality string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[quality] = err
}

func (f *fakeTranscoder) FailOnce(quality string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnce[quality] = err
}

func (f *fakeTranscoder) Calls(quality string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[quality]
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req port.TranscodeRequest, progress port.ProgressFunc) (*domain.RenditionArtifact, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	name := req.Target.Name
	f.mu.Lock()
	f.calls[name]++
	err := f.failures[name]
	if once, ok := f.failOnce[name]; ok {
		err = once
		delete(f.failOnce, name)
	}
	shouldPanic := f.panics[name]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindCancelled, domain.JobStateTranscoding, ctx.Err())
		case <-time.After(f.delay):
		}
	}
	if shouldPanic {
		panic("encoder exploded")
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, err
	}
	var segments []domain.Segment
	for i := range 2 {
		segName := fmt.Sprintf("seg_%05d.ts", i)
		p := filepath.Join(req.OutputDir, segName)
		data := []byte(fmt.Sprintf("%s-%s-%d", req.JobID, name, i))
		if err := os.WriteFile(p, data, 0644); err != nil {
			return nil, err
		}
		segments = append(segments, domain.Segment{Name: segName, Duration: float64(req.SegmentSeconds), SizeBytes: int64(len(data)), Path: p})
	}
	progress(0.5)
	progress(1)
	return &domain.RenditionArtifact{
		JobID:     req.JobID,
		Quality:   req.Target,
		Status:    domain.RenditionSucceeded,
		Segments:  segments,
		OutputDir: req.OutputDir,
	}, nil
}

type fakeThumbnailer struct {
	mu      sync.Mutex
	offsets []time.Duration
	failAt  map[time.Duration]bool
}

func (f *fakeThumbnailer) Thumbnail(_ context.Context, _, out string, pt domain.ThumbnailPoint) error {
	f.mu.Lock()
	f.offsets = append(f.offsets, pt.Offset)
	fail := f.failAt[pt.Offset]
	f.mu.Unlock()
	if fail {
		return domain.TransientError(domain.JobStateTranscoding, errors.New("no frame"))
	}
	return os.WriteFile(out, []byte("jpeg"), 0644)
}

type putCall struct {
	body []byte
	opts port.PutOptions
}

// memStore is an in-memory artifact store. failures maps a key to how many
// times Put should fail before succeeding; a negative count fails forever.
type memStore struct {
	mu       sync.Mutex
	objects  map[string]putCall
	failures map[string]int
	attempts map[string]int
	order    []string
}

func newMemStore() *memStore {
	return &memStore{
		objects:  make(map[string]putCall),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (m *memStore) FailKey(key string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = times
}

func (m *memStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts port.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key]++
	if n, ok := m.failures[key]; ok && n != 0 {
		if n > 0 {
			m.failures[key] = n - 1
		}
		return fmt.Errorf("injected failure for %s", key)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s", key)
	}
	m.objects[key] = putCall{body: bytes.Clone(data), opts: opts}
	m.order = append(m.order, key)
	return nil
}

func (m *memStore) Get(key string) (putCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.objects[key]
	return c, ok
}

func (m *memStore) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

type terminalCall struct {
	job     *domain.ProcessingJob
	outcome *domain.Outcome
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []terminalCall
}

func (r *recordingFinalizer) OnJobTerminal(_ context.Context, job *domain.ProcessingJob, outcome *domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, terminalCall{job: job.Clone(), outcome: outcome.Clone()})
	return nil
}

func (r *recordingFinalizer) Calls() []terminalCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]terminalCall(nil), r.calls...)
}

func (r *recordingFinalizer) CallsFor(jobID string) []terminalCall {
	var out []terminalCall
	for _, c := range r.Calls() {
		if c.job.ID == jobID {
			out = append(out, c)
		}
	}
	return out
}

func newJobStore(t *testing.T) port.JobStore {
	t.Helper()
	s, err := jsonfile.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func newTestScheduler(t *testing.T, store port.JobStore, fin port.Finalizer, cfg SchedulerConfig, clock *fakeClock) *Scheduler {
	t.Helper()
	s := NewScheduler(store, fin, cfg, logger.Discard())
	if clock != nil {
		s.now = clock.Now
	}
	// Deterministic jitter: always the upper bound.
	s.backoff.Rand = func() float64 { return 1 }
	return s
}

func submission(priority domain.Priority) domain.Submission {
	return domain.Submission{SourceAssetRef: "/media/in.mp4", OwnerID: "owner-1", Priority: priority}
}

type executorFixture struct {
	transcoder  *fakeTranscoder
	thumbnailer *fakeThumbnailer
	prober      *fakeProber
	fetcher     *fakeFetcher
	artifacts   *memStore
	limiter     *Limiter
	progress    *ProgressReporter
	bus         *EventBus
	executor    *Executor
}

type fixtureOptions struct {
	catalog  domain.Catalog
	policy   domain.PartialPolicy
	limit    int
	probe    domain.SourceProbe
	delay    time.Duration
	attempts int
}

func newExecutorFixture(t *testing.T, opts fixtureOptions) *executorFixture {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 4
	}
	if opts.probe.Height == 0 {
		opts.probe = probe1080p(120)
	}
	if opts.attempts == 0 {
		opts.attempts = 2
	}

	f := &executorFixture{
		transcoder:  newFakeTranscoder(),
		thumbnailer: &fakeThumbnailer{failAt: map[time.Duration]bool{}},
		prober:      &fakeProber{probe: opts.probe},
		fetcher:     &fakeFetcher{},
		artifacts:   newMemStore(),
		limiter:     NewLimiter(opts.limit, time.Second),
		bus:         NewEventBus(),
	}
	f.transcoder.delay = opts.delay
	f.progress = NewProgressReporter(0, logger.Discard(), f.bus)

	synth := hls.NewSynthesizer()
	publisher := NewPublisher(f.artifacts, synth, opts.policy, PublisherConfig{
		Attempts:  opts.attempts,
		RetryBase: time.Millisecond,
		RetryCap:  time.Millisecond,
	}, logger.Discard())

	f.executor = NewExecutor(ExecutorDeps{
		Fetcher:     f.fetcher,
		Prober:      f.prober,
		Transcoder:  f.transcoder,
		Thumbnailer: f.thumbnailer,
		Synthesizer: synth,
		Publisher:   publisher,
		Limiter:     f.limiter,
	}, ExecutorConfig{
		Catalog:        opts.catalog,
		Policy:         opts.policy,
		SegmentSeconds: 6,
	}, logger.Discard())
	return f
}

// attempt builds an Attempt whose Advance just records the stages.
func (f *executorFixture) attempt(t *testing.T, jobID string) (Attempt, *[]domain.JobState) {
	t.Helper()
	var mu sync.Mutex
	stages := &[]domain.JobState{}
	return Attempt{
		JobID:      jobID,
		SourceRef:  "/media/" + jobID + ".mp4",
		ScratchDir: t.TempDir(),
		Number:     1,
		Progress:   f.progress.Start(jobID, 1),
		Advance: func(_ context.Context, to domain.JobState) error {
			mu.Lock()
			defer mu.Unlock()
			*stages = append(*stages, to)
			return nil
		},
	}, stages
}

func renditionNames(rs []domain.RenditionArtifact, keep func(domain.RenditionArtifact) bool) []string {
	var out []string
	for _, r := range rs {
		if keep(r) {
			out = append(out, r.Quality.Name)
		}
	}
	return out
}

func smallCatalog() domain.Catalog {
	full := domain.DefaultCatalog()
	var out domain.Catalog
	for _, name := range []string{"144p", "360p", "720p"} {
		q, _ := full.Lookup(name)
		out = append(out, q)
	}
	return out
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
