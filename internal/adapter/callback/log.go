package callback

import (
	"context"
	"log/slog"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

// Log records terminal jobs in the process log. It is the finalizer used
// when no webhook is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(l *slog.Logger) *Log {
	if l == nil {
		l = slog.Default()
	}
	return &Log{logger: logger.WithComponent(l, "finalizer")}
}

func (l *Log) OnJobTerminal(ctx context.Context, job *domain.ProcessingJob, outcome *domain.Outcome) error {
	n := NewNotification(job, outcome)
	attrs := []any{
		"job_id", n.JobID,
		"status", n.Status,
		"attempts", n.Attempts,
	}
	if n.MasterManifestKey != "" {
		attrs = append(attrs, "master", n.MasterManifestKey, "qualities", n.AvailableQualities)
	}
	if n.Reason != "" {
		attrs = append(attrs, "reason", logger.SanitizeForLog(n.Reason), "error_kind", n.ErrorKind)
	}
	if n.Flagged {
		attrs = append(attrs, "flagged", true)
	}

	level := slog.LevelInfo
	if n.Status != domain.JobStateCompleted {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "job finished", attrs...)
	return nil
}

// Multi fans a terminal notification out to several finalizers and returns
// the first error after all have run.
type Multi []port.Finalizer

func (m Multi) OnJobTerminal(ctx context.Context, job *domain.ProcessingJob, outcome *domain.Outcome) error {
	var first error
	for _, f := range m {
		if err := f.OnJobTerminal(ctx, job, outcome); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ port.Finalizer = (*Log)(nil)
	_ port.Finalizer = Multi(nil)
)
