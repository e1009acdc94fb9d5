package domain

import "time"

type ProgressSnapshot struct {
	JobID                string    `json:"job_id"`
	Stage                JobState  `json:"stage"`
	PercentComplete      float64   `json:"percent_complete"`
	QualitiesCompleted   int       `json:"qualities_completed"`
	QualitiesTotal       int       `json:"qualities_total"`
	EstimatedRemainingMs int64     `json:"estimated_remaining_ms"`
	LastError            string    `json:"last_error,omitempty"`
	Attempt              int       `json:"attempt"`
	At                   time.Time `json:"at"`
}

type stageSpan struct{ start, end float64 }

var stageSpans = map[JobState]stageSpan{
	JobStateQueued:      {0, 0},
	JobStateProbing:     {0, 5},
	JobStatePlanning:    {5, 10},
	JobStateTranscoding: {10, 85},
	JobStateManifesting: {85, 90},
	JobStatePublishing:  {90, 98},
	JobStateFinalizing:  {98, 100},
	JobStateCompleted:   {100, 100},
}

// StagePercent maps progress within a stage (0..1) onto the job-wide
// percentage. Failed and cancelled stages report 0; callers keep their own
// high-water mark.
func StagePercent(stage JobState, fraction float64) float64 {
	span, ok := stageSpans[stage]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return span.start + (span.end-span.start)*fraction
}
