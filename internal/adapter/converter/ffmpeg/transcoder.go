package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

const (
	PlaylistName   = "index.m3u8"
	SegmentPattern = "seg_%05d.ts"
)

type TranscoderConfig struct {
	FFmpegPath string
	Preset     string
	Timeout    time.Duration
}

// Transcoder encodes one HLS rendition per call with libx264/aac.
type Transcoder struct {
	bin     string
	preset  string
	timeout time.Duration
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	t := &Transcoder{bin: cfg.FFmpegPath, preset: cfg.Preset, timeout: cfg.Timeout}
	if t.bin == "" {
		t.bin = "ffmpeg"
	}
	if t.preset == "" {
		t.preset = "veryfast"
	}
	return t
}

func kbps(bps int64) string {
	return strconv.FormatInt(bps/1000, 10) + "k"
}

// BuildArgs derives the ffmpeg command line from the request alone, so a
// retried (job, quality) always declares the same resolution and bitrates.
// Keyframes are forced on segment boundaries so every rendition of a job
// switches at the same timestamps.
func (t *Transcoder) BuildArgs(req port.TranscodeRequest) []string {
	q := req.Target
	seg := req.SegmentSeconds
	if seg <= 0 {
		seg = 6
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", req.SourcePath,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", t.preset,
		"-pix_fmt", "yuv420p",
		"-vf", fmt.Sprintf("scale=%d:%d", q.Width, q.Height),
		"-b:v", kbps(q.VideoBitrate),
		"-maxrate", kbps(q.VideoBitrate * 107 / 100),
		"-bufsize", kbps(q.VideoBitrate * 3 / 2),
	}
	if q.FrameRateCap > 0 {
		args = append(args, "-fpsmax", strconv.FormatFloat(q.FrameRateCap, 'f', -1, 64))
	}
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", kbps(q.AudioBitrate),
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(seg),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(req.OutputDir, SegmentPattern),
		"-progress", "pipe:1",
		"-nostats",
		filepath.Join(req.OutputDir, PlaylistName),
	)
	return args
}

func (t *Transcoder) Transcode(ctx context.Context, req port.TranscodeRequest, progress port.ProgressFunc) (*domain.RenditionArtifact, error) {
	if err := validatePath(req.SourcePath); err != nil {
		return nil, domain.InputError(domain.JobStateTranscoding, fmt.Errorf("invalid input path: %w", err))
	}
	if err := validatePath(req.OutputDir); err != nil {
		return nil, domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("invalid output dir: %w", err))
	}

	// A previous attempt may have left partial segments behind.
	if err := os.RemoveAll(req.OutputDir); err != nil {
		return nil, domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("reset output dir: %w", err))
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("create output dir: %w", err))
	}

	total := time.Duration(req.Duration * float64(time.Second))
	started := time.Now()
	_, err := run(ctx, invocation{
		bin:     t.bin,
		args:    t.BuildArgs(req),
		timeout: t.timeout,
		stage:   domain.JobStateTranscoding,
		stdout: func(r io.Reader) {
			readProgress(r, total, progress)
		},
	})
	if err != nil {
		return nil, err
	}

	playlist := filepath.Join(req.OutputDir, PlaylistName)
	segments, err := readSegments(playlist)
	if err != nil {
		return nil, domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("encoder exited cleanly but output is incomplete: %w", err))
	}

	var size int64
	for _, s := range segments {
		size += s.SizeBytes
	}
	return &domain.RenditionArtifact{
		JobID:            req.JobID,
		Quality:          req.Target,
		Status:           domain.RenditionSucceeded,
		SizeBytes:        size,
		EncodeDurationMs: time.Since(started).Milliseconds(),
		Segments:         segments,
		OutputDir:        req.OutputDir,
	}, nil
}

var _ port.Transcoder = (*Transcoder)(nil)
