package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrLeaseLost         = errors.New("lease no longer held")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminal          = errors.New("job already terminal")
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNoVideoStream     = errors.New("no video stream found")
	ErrNoRenditions      = errors.New("no renditions available")
	ErrCancelRequested   = errors.New("cancellation requested")
)

// ErrorKind is the failure taxonomy every stage classifies into.
type ErrorKind string

const (
	KindInput         ErrorKind = "input"
	KindTransientTool ErrorKind = "transient_tool"
	KindTimeout       ErrorKind = "timeout"
	KindStorage       ErrorKind = "storage"
	KindStarvation    ErrorKind = "starvation"
	KindCancelled     ErrorKind = "cancelled"
)

// Retryable reports whether the scheduler may requeue a job failing with k.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientTool, KindTimeout, KindStorage:
		return true
	}
	return false
}

type PipelineError struct {
	Kind  ErrorKind
	Stage JobState
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, stage JobState, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

func InputError(stage JobState, err error) error {
	return NewError(KindInput, stage, err)
}

func TransientError(stage JobState, err error) error {
	return NewError(KindTransientTool, stage, err)
}

func TimeoutError(stage JobState, err error) error {
	return NewError(KindTimeout, stage, err)
}

func StorageError(stage JobState, err error) error {
	return NewError(KindStorage, stage, err)
}

// KindOf classifies an arbitrary error. An explicit PipelineError wins;
// bare context errors map to timeout and cancellation; anything else is
// treated as a transient tool failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindTransientTool
}

// WithStage tags err with a stage unless it already carries one.
func WithStage(stage JobState, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			return &PipelineError{Kind: pe.Kind, Stage: stage, Err: pe.Err}
		}
		return err
	}
	return &PipelineError{Kind: KindOf(err), Stage: stage, Err: err}
}
