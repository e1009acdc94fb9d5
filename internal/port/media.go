package port

import (
	"context"

	"github.com/bnema/reel/internal/domain"
)

type Prober interface {
	Probe(ctx context.Context, sourcePath string) (*domain.SourceProbe, error)
}

// ProgressFunc receives encode progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// TranscodeRequest describes one (job, quality) encode.
type TranscodeRequest struct {
	JobID          string
	SourcePath     string
	OutputDir      string
	Target         domain.QualityTarget
	SegmentSeconds int
	Duration       float64
}

type Transcoder interface {
	Transcode(ctx context.Context, req TranscodeRequest, progress ProgressFunc) (*domain.RenditionArtifact, error)
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, sourcePath, outputPath string, point domain.ThumbnailPoint) error
}

// SourceFetcher makes a source asset available as a local file, downloading
// into scratchDir when the reference is remote.
type SourceFetcher interface {
	Fetch(ctx context.Context, ref, scratchDir string) (localPath string, err error)
}

type ManifestSynthesizer interface {
	Synthesize(jobID string, renditions []domain.RenditionArtifact, opts ManifestOptions) ([]domain.Manifest, error)
}

type ManifestOptions struct {
	SegmentSeconds int
	HasAudio       bool
}
