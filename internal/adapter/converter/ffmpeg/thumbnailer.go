package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

type Thumbnailer struct {
	bin     string
	timeout time.Duration
	width   int
}

func NewThumbnailer(ffmpegPath string, timeout time.Duration) *Thumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Thumbnailer{bin: ffmpegPath, timeout: timeout, width: 640}
}

func (t *Thumbnailer) Thumbnail(ctx context.Context, sourcePath, outputPath string, point domain.ThumbnailPoint) error {
	if err := validatePath(sourcePath); err != nil {
		return domain.InputError(domain.JobStateTranscoding, fmt.Errorf("invalid input path: %w", err))
	}
	if err := validatePath(outputPath); err != nil {
		return domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("invalid output path: %w", err))
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", strconv.FormatFloat(point.Offset.Seconds(), 'f', 3, 64),
		"-i", sourcePath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", t.width),
		"-q:v", "3",
		"-f", "image2",
		outputPath,
	}
	if _, err := run(ctx, invocation{
		bin:     t.bin,
		args:    args,
		timeout: t.timeout,
		stage:   domain.JobStateTranscoding,
	}); err != nil {
		return err
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return domain.TransientError(domain.JobStateTranscoding, fmt.Errorf("no frame written at %s", point.Offset))
	}
	return nil
}

var _ port.Thumbnailer = (*Thumbnailer)(nil)
