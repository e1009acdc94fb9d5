package domain

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for leasing; lower ranks are leased first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// PriorityFromRank is the inverse of Priority.Rank, used by stores that
// persist the rank column.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityHigh
	case 2:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type JobState string

const (
	JobStateQueued      JobState = "queued"
	JobStateProbing     JobState = "probing"
	JobStatePlanning    JobState = "planning"
	JobStateTranscoding JobState = "transcoding"
	JobStateManifesting JobState = "manifesting"
	JobStatePublishing  JobState = "publishing"
	JobStateFinalizing  JobState = "finalizing"
	JobStateCompleted   JobState = "completed"
	JobStateFailed      JobState = "failed"
	JobStateCancelled   JobState = "cancelled"
)

// stageOrder is the strict forward order of a single attempt.
var stageOrder = []JobState{
	JobStateQueued,
	JobStateProbing,
	JobStatePlanning,
	JobStateTranscoding,
	JobStateManifesting,
	JobStatePublishing,
	JobStateFinalizing,
	JobStateCompleted,
}

func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// IsActive reports whether the job is inside pipeline execution.
func (s JobState) IsActive() bool {
	return !s.IsTerminal() && s != JobStateQueued && s != ""
}

// Next returns the state that follows s in the forward order, or "" when s
// has no successor.
func (s JobState) Next() JobState {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// CanTransition reports whether a job may move from s to to. Forward moves
// must be exactly one step; any non-terminal state may fail or be cancelled;
// an active job may go back to queued for a retry.
func (s JobState) CanTransition(to JobState) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case JobStateFailed, JobStateCancelled:
		return true
	case JobStateQueued:
		return s.IsActive()
	}
	return s.Next() == to
}

func ParseJobState(s string) (JobState, error) {
	st := JobState(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case JobStateQueued, JobStateProbing, JobStatePlanning, JobStateTranscoding,
		JobStateManifesting, JobStatePublishing, JobStateFinalizing,
		JobStateCompleted, JobStateFailed, JobStateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

type ProcessingJob struct {
	ID              string            `json:"id"`
	SourceAssetRef  string            `json:"source_asset_ref"`
	OwnerID         string            `json:"owner_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Priority        Priority          `json:"priority"`
	State           JobState          `json:"state"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	NextEligibleAt  time.Time         `json:"next_eligible_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	TerminalAt      *time.Time        `json:"terminal_at,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	Flagged         bool              `json:"flagged,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	LeaseOwner      string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time         `json:"lease_expires_at"`
	Version         int64             `json:"version"`
	Outcome         *Outcome          `json:"outcome,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *ProcessingJob) Clone() *ProcessingJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.TerminalAt != nil {
		t := *j.TerminalAt
		c.TerminalAt = &t
	}
	if j.Outcome != nil {
		c.Outcome = j.Outcome.Clone()
	}
	return &c
}

// Transition moves the job to the given state, enforcing the state machine.
func (j *ProcessingJob) Transition(to JobState, now time.Time) error {
	if !j.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		j.TerminalAt = &t
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
	}
	return nil
}

// HoldsLease reports whether owner has an unexpired lease on the job.
func (j *ProcessingJob) HoldsLease(owner string, now time.Time) bool {
	return owner != "" && j.LeaseOwner == owner && j.LeaseExpiresAt.After(now)
}

func (j *ProcessingJob) AttemptsRemaining() bool {
	return j.AttemptCount < j.MaxAttempts
}

// Submission is what the intake collector hands to the scheduler.
type Submission struct {
	SourceAssetRef string            `json:"source_asset_ref"`
	OwnerID        string            `json:"owner_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Priority       Priority          `json:"priority"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.SourceAssetRef) == "" {
		return fmt.Errorf("%w: source asset ref is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidSubmission)
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, s.Priority)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidSubmission)
	}
	return nil
}

// LeaseRequest asks a job store for an exclusive, time-bounded checkout.
type LeaseRequest struct {
	Owner     string
	Limit     int
	MaxActive int
	TTL       time.Duration
	Now       time.Time
}
