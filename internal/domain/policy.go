package domain

import (
	"errors"
	"fmt"
	"strings"
)

// PartialPolicy decides the job outcome once every rendition has settled.
type PartialPolicy string

const (
	PolicyBestEffort PartialPolicy = "best-effort"
	PolicyRequireAll PartialPolicy = "require-all"
)

func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch p := PartialPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyBestEffort, nil
	case PolicyBestEffort, PolicyRequireAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown partial policy %q", s)
	}
}

// Evaluate returns nil when the settled renditions satisfy the policy. The
// ladder is ascending, so the first rendition is the floor. The returned
// error carries the kind of the rendition that broke the policy.
func (p PartialPolicy) Evaluate(renditions []RenditionArtifact) error {
	if len(renditions) == 0 {
		return InputError(JobStateTranscoding, ErrNoRenditions)
	}
	if p == PolicyRequireAll {
		for _, r := range renditions {
			if !r.Succeeded() {
				return renditionError(r)
			}
		}
		return nil
	}
	if floor := renditions[0]; !floor.Succeeded() {
		return renditionError(floor)
	}
	return nil
}

func renditionError(r RenditionArtifact) error {
	kind := r.ErrorKind
	if kind == "" {
		kind = KindTransientTool
	}
	msg := r.Error
	if msg == "" {
		msg = string(r.Status)
	}
	return NewError(kind, JobStateTranscoding, fmt.Errorf("rendition %s: %w", r.Quality.Name, errors.New(msg)))
}
