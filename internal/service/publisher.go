package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/backoff"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

const (
	cacheImmutable = "public, max-age=31536000, immutable"
	cacheManifest  = "public, max-age=60"
)

type PublisherConfig struct {
	Attempts      int
	RetryBase     time.Duration
	RetryCap      time.Duration
	UploadTimeout time.Duration
	// Parallel bounds concurrent rendition uploads of one job.
	Parallel int
}

// Publisher uploads a job's artifacts. Its retry budget is separate from the
// scheduler's: exhausting it fails only the artifact, and the job fails only
// when the partial policy can no longer be met.
type Publisher struct {
	store   port.ArtifactStore
	synth   port.ManifestSynthesizer
	policy  domain.PartialPolicy
	cfg     PublisherConfig
	backoff *backoff.Backoff
	logger  *slog.Logger
}

func NewPublisher(store port.ArtifactStore, synth port.ManifestSynthesizer, policy domain.PartialPolicy, cfg PublisherConfig, l *slog.Logger) *Publisher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 10 * time.Second
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Publisher{
		store:   store,
		synth:   synth,
		policy:  policy,
		cfg:     cfg,
		backoff: backoff.New(cfg.RetryBase, cfg.RetryCap),
		logger:  logger.WithComponent(l, "publisher"),
	}
}

// Publish uploads segments and thumbnails, then manifests regenerated from
// the renditions that actually made it to the store, master last. Records
// on o are updated in place.
func (p *Publisher) Publish(ctx context.Context, jobID string, o *domain.Outcome, opts port.ManifestOptions) error {
	log := logger.WithJob(p.logger, jobID)

	var g errgroup.Group
	g.SetLimit(p.cfg.Parallel)
	for i := range o.Renditions {
		r := &o.Renditions[i]
		if !r.Succeeded() {
			r.Publish = domain.PublishRecord{Status: domain.PublishDiscarded}
			continue
		}
		g.Go(func() error {
			r.Publish = p.publishRendition(ctx, jobID, r)
			return nil
		})
	}
	for i := range o.Thumbnails {
		t := &o.Thumbnails[i]
		if !t.Succeeded() {
			t.Publish = domain.PublishRecord{Status: domain.PublishDiscarded}
			continue
		}
		g.Go(func() error {
			t.StorageKey = domain.ThumbnailKey(jobID, t.TimestampFraction)
			t.Publish = p.putFile(ctx, t.StorageKey, t.LocalPath, "image/jpeg", cacheImmutable)
			if t.Publish.Published() {
				t.SizeBytes = t.Publish.SizeBytes
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, t := range o.Thumbnails {
		if t.Publish.Status == domain.PublishFailed {
			log.Warn("thumbnail publish failed", "key", t.StorageKey, "error", t.Publish.Error)
		}
	}
	var dropped []domain.Manifest
	for {
		if err := p.checkPolicy(o.Renditions); err != nil {
			o.Manifests = dropped
			return err
		}

		manifests, err := p.synth.Synthesize(jobID, published(o.Renditions), opts)
		if err != nil {
			o.Manifests = dropped
			return domain.StorageError(domain.JobStatePublishing, err)
		}
		master := manifests[len(manifests)-1]
		var playlists []domain.Manifest
		regenerate := false
		for _, m := range manifests[:len(manifests)-1] {
			m.Publish = p.putBytes(ctx, m.StorageKey, []byte(m.Content), cacheManifest)
			if m.Publish.Published() {
				playlists = append(playlists, m)
				continue
			}
			if err := ctx.Err(); err != nil {
				o.Manifests = append(dropped, playlists...)
				return err
			}
			// A rendition without its playlist is unplayable, so it leaves
			// the master and the manifests are regenerated.
			log.Warn("playlist publish failed", "quality", m.Quality, "error", m.Publish.Error)
			markPlaylistFailed(o.Renditions, m)
			dropped = append(dropped, m)
			regenerate = true
		}
		if regenerate {
			continue
		}

		master.Publish = p.putBytes(ctx, master.StorageKey, []byte(master.Content), cacheManifest)
		o.Manifests = append(append(dropped, playlists...), master)
		if !master.Publish.Published() {
			if err := ctx.Err(); err != nil {
				return err
			}
			return domain.StorageError(domain.JobStatePublishing,
				fmt.Errorf("master manifest %s: %s", master.StorageKey, master.Publish.Error))
		}
		log.Info("artifacts published", "qualities", o.AvailableQualities(), "master", master.StorageKey)
		return nil
	}
}

// checkPolicy applies the partial policy to what was published.
func (p *Publisher) checkPolicy(renditions []domain.RenditionArtifact) error {
	view := make([]domain.RenditionArtifact, len(renditions))
	for i, r := range renditions {
		if r.Succeeded() && !r.Publish.Published() {
			r.Status = domain.RenditionFailed
			r.ErrorKind = domain.KindStorage
			r.Error = "publish failed: " + r.Publish.Error
		}
		view[i] = r
	}
	if err := p.policy.Evaluate(view); err != nil {
		return domain.StorageError(domain.JobStatePublishing, err)
	}
	return nil
}

func published(renditions []domain.RenditionArtifact) []domain.RenditionArtifact {
	var out []domain.RenditionArtifact
	for _, r := range renditions {
		if r.Succeeded() && r.Publish.Published() {
			out = append(out, r)
		}
	}
	return out
}

func markPlaylistFailed(renditions []domain.RenditionArtifact, m domain.Manifest) {
	for i := range renditions {
		if renditions[i].Quality.Name == m.Quality {
			renditions[i].Publish.Status = domain.PublishFailed
			renditions[i].Publish.Error = "playlist: " + m.Publish.Error
		}
	}
}

// publishRendition uploads every segment of r. The rendition counts as
// published only when all its segments are.
func (p *Publisher) publishRendition(ctx context.Context, jobID string, r *domain.RenditionArtifact) domain.PublishRecord {
	r.StorageKey = domain.PlaylistKey(jobID, r.Quality.Name)
	rec := domain.PublishRecord{Key: r.StorageKey}
	h, _ := blake2b.New256(nil)

	for _, seg := range r.Segments {
		key := domain.SegmentKey(jobID, r.Quality.Name, seg.Name)
		segRec := p.putFile(ctx, key, seg.Path, "video/mp2t", cacheImmutable)
		if segRec.Attempts > rec.Attempts {
			rec.Attempts = segRec.Attempts
		}
		if !segRec.Published() {
			rec.Status = domain.PublishFailed
			rec.Error = fmt.Sprintf("segment %s: %s", seg.Name, segRec.Error)
			return rec
		}
		rec.SizeBytes += segRec.SizeBytes
		h.Write([]byte(segRec.Digest))
	}
	rec.Status = domain.PublishPublished
	rec.Digest = hex.EncodeToString(h.Sum(nil))
	return rec
}

func (p *Publisher) putFile(ctx context.Context, key, localPath, contentType, cacheControl string) domain.PublishRecord {
	digest, size, err := digestFile(localPath)
	if err != nil {
		return domain.PublishRecord{Status: domain.PublishFailed, Key: key, Error: err.Error()}
	}
	open := func() (io.ReadCloser, error) { return os.Open(localPath) }
	return p.put(ctx, key, open, size, digest, contentType, cacheControl)
}

func (p *Publisher) putBytes(ctx context.Context, key string, body []byte, cacheControl string) domain.PublishRecord {
	sum := blake2b.Sum256(body)
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	return p.put(ctx, key, open, int64(len(body)), hex.EncodeToString(sum[:]), ContentTypeFor(key), cacheControl)
}

// put retries one artifact upload against the publisher's own budget. Each
// attempt is bounded by the upload timeout.
func (p *Publisher) put(ctx context.Context, key string, open func() (io.ReadCloser, error), size int64, digest, contentType, cacheControl string) domain.PublishRecord {
	rec := domain.PublishRecord{Key: key, SizeBytes: size, Digest: digest}
	opts := port.PutOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
		Metadata:     map[string]string{"blake2b-256": digest},
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		rec.Attempts = attempt
		lastErr = p.putOnce(ctx, key, open, size, opts)
		if lastErr == nil {
			rec.Status = domain.PublishPublished
			return rec
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < p.cfg.Attempts {
			p.logger.Debug("upload retry", "key", key, "attempt", attempt, "error", lastErr)
			if p.backoff.Wait(ctx, attempt) != nil {
				break
			}
		}
	}
	rec.Status = domain.PublishFailed
	rec.Error = truncateDetail(lastErr)
	return rec
}

func (p *Publisher) putOnce(ctx context.Context, key string, open func() (io.ReadCloser, error), size int64, opts port.PutOptions) error {
	body, err := open()
	if err != nil {
		return err
	}
	defer body.Close()

	putCtx := ctx
	if p.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(ctx, p.cfg.UploadTimeout)
		defer cancel()
	}
	err = p.store.Put(putCtx, key, body, size, opts)
	if err != nil && errors.Is(putCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.TimeoutError(domain.JobStatePublishing, fmt.Errorf("upload %s exceeded %s: %w", key, p.cfg.UploadTimeout, err))
	}
	return err
}

func digestFile(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h, _ := blake2b.New256(nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ContentTypeFor maps an artifact key to the MIME type players expect.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
