package port

import (
	"context"

	"github.com/bnema/reel/internal/domain"
)

type ProgressSink interface {
	Emit(ctx context.Context, snapshot domain.ProgressSnapshot) error
}

// Finalizer is notified exactly once per job when it reaches a terminal state.
type Finalizer interface {
	OnJobTerminal(ctx context.Context, job *domain.ProcessingJob, outcome *domain.Outcome) error
}
