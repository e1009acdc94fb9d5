package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

type Prober struct {
	bin     string
	timeout time.Duration
}

func NewProber(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{bin: ffprobePath, timeout: timeout}
}

func (p *Prober) Probe(ctx context.Context, sourcePath string) (*domain.SourceProbe, error) {
	if err := validatePath(sourcePath); err != nil {
		return nil, domain.InputError(domain.JobStateProbing, fmt.Errorf("invalid input path: %w", err))
	}

	out, err := run(ctx, invocation{
		bin: p.bin,
		args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			sourcePath,
		},
		timeout: p.timeout,
		stage:   domain.JobStateProbing,
	})
	if err != nil {
		return nil, err
	}

	sp, err := ParseJSON(out)
	if err != nil {
		return nil, domain.InputError(domain.JobStateProbing, err)
	}
	return sp, nil
}

// ParseJSON decodes ffprobe's JSON report into a validated SourceProbe.
func ParseJSON(data []byte) (*domain.SourceProbe, error) {
	var res domain.ProbeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	sp, err := res.SourceProbe()
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

var _ port.Prober = (*Prober)(nil)
