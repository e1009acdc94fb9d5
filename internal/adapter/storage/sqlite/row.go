package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bnema/reel/internal/domain"
)

// jobRow is the column form of a job. Times are unix nanoseconds.
type jobRow struct {
	id              string
	sourceAssetRef  string
	ownerID         string
	metadata        string
	priorityRank    int64
	state           string
	attemptCount    int64
	maxAttempts     int64
	nextEligibleAt  int64
	createdAt       int64
	updatedAt       int64
	terminalAt      sql.NullInt64
	errorKind       string
	errorDetail     string
	flagged         bool
	cancelRequested bool
	leaseOwner      string
	leaseExpiresAt  sql.NullInt64
	version         int64
	outcome         sql.NullString
}

func (r jobRow) args() []any {
	return []any{
		r.id, r.sourceAssetRef, r.ownerID, r.metadata, r.priorityRank, r.state,
		r.attemptCount, r.maxAttempts, r.nextEligibleAt, r.createdAt, r.updatedAt, r.terminalAt,
		r.errorKind, r.errorDetail, r.flagged, r.cancelRequested, r.leaseOwner, r.leaseExpiresAt,
		r.version, r.outcome,
	}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toRow(job *domain.ProcessingJob) (jobRow, error) {
	metadata := []byte("{}")
	if len(job.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(job.Metadata); err != nil {
			return jobRow{}, fmt.Errorf("encode metadata: %w", err)
		}
	}

	r := jobRow{
		id:              job.ID,
		sourceAssetRef:  job.SourceAssetRef,
		ownerID:         job.OwnerID,
		metadata:        string(metadata),
		priorityRank:    int64(job.Priority.Rank()),
		state:           string(job.State),
		attemptCount:    int64(job.AttemptCount),
		maxAttempts:     int64(job.MaxAttempts),
		nextEligibleAt:  job.NextEligibleAt.UnixNano(),
		createdAt:       job.CreatedAt.UnixNano(),
		updatedAt:       job.UpdatedAt.UnixNano(),
		errorKind:       string(job.ErrorKind),
		errorDetail:     job.ErrorDetail,
		flagged:         job.Flagged,
		cancelRequested: job.CancelRequested,
		leaseOwner:      job.LeaseOwner,
		leaseExpiresAt:  nullTime(job.LeaseExpiresAt),
		version:         job.Version,
	}
	if job.TerminalAt != nil {
		r.terminalAt = nullTime(*job.TerminalAt)
	}
	if job.Outcome != nil {
		data, err := json.Marshal(job.Outcome)
		if err != nil {
			return jobRow{}, fmt.Errorf("encode outcome: %w", err)
		}
		r.outcome = sql.NullString{String: string(data), Valid: true}
	}
	return r, nil
}

func scanJob(s scanner) (*domain.ProcessingJob, error) {
	var r jobRow
	err := s.Scan(
		&r.id, &r.sourceAssetRef, &r.ownerID, &r.metadata, &r.priorityRank, &r.state,
		&r.attemptCount, &r.maxAttempts, &r.nextEligibleAt, &r.createdAt, &r.updatedAt, &r.terminalAt,
		&r.errorKind, &r.errorDetail, &r.flagged, &r.cancelRequested, &r.leaseOwner, &r.leaseExpiresAt,
		&r.version, &r.outcome,
	)
	if err != nil {
		return nil, err
	}
	state, err := domain.ParseJobState(r.state)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.id, err)
	}

	job := &domain.ProcessingJob{
		ID:              r.id,
		SourceAssetRef:  r.sourceAssetRef,
		OwnerID:         r.ownerID,
		Priority:        domain.PriorityFromRank(int(r.priorityRank)),
		State:           state,
		AttemptCount:    int(r.attemptCount),
		MaxAttempts:     int(r.maxAttempts),
		NextEligibleAt:  fromNanos(r.nextEligibleAt),
		CreatedAt:       fromNanos(r.createdAt),
		UpdatedAt:       fromNanos(r.updatedAt),
		ErrorKind:       domain.ErrorKind(r.errorKind),
		ErrorDetail:     r.errorDetail,
		Flagged:         r.flagged,
		CancelRequested: r.cancelRequested,
		LeaseOwner:      r.leaseOwner,
		Version:         r.version,
	}
	if r.terminalAt.Valid {
		t := fromNanos(r.terminalAt.Int64)
		job.TerminalAt = &t
	}
	if r.leaseExpiresAt.Valid {
		job.LeaseExpiresAt = fromNanos(r.leaseExpiresAt.Int64)
	}
	if r.metadata != "" && r.metadata != "{}" {
		if err := json.Unmarshal([]byte(r.metadata), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.id, err)
		}
	}
	if r.outcome.Valid {
		job.Outcome = &domain.Outcome{}
		if err := json.Unmarshal([]byte(r.outcome.String), job.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome for %s: %w", r.id, err)
		}
	}
	return job, nil
}
