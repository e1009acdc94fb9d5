package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// leaseLockKey serialises lease transactions so the active-job cap holds
// across every process sharing the database.
const leaseLockKey int64 = 0x7265656c

type Config struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const jobColumns = `id, source_asset_ref, owner_id, metadata, priority_rank, state,
	attempt_count, max_attempts, next_eligible_at, created_at, updated_at, terminal_at,
	error_kind, error_detail, flagged, cancel_requested, lease_owner, lease_expires_at,
	version, outcome`

const notTerminal = `state NOT IN ('completed', 'failed', 'cancelled')`

func (s *Store) Create(ctx context.Context, job *domain.ProcessingJob) error {
	if job.Version == 0 {
		job.Version = 1
	}
	outcome, err := encodeOutcome(job.Outcome)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID, job.SourceAssetRef, job.OwnerID, metadataOrEmpty(job.Metadata), job.Priority.Rank(), string(job.State),
		job.AttemptCount, job.MaxAttempts, job.NextEligibleAt, job.CreatedAt, job.UpdatedAt, job.TerminalAt,
		string(job.ErrorKind), job.ErrorDetail, job.Flagged, job.CancelRequested, job.LeaseOwner, nullTime(job.LeaseExpiresAt),
		job.Version, outcome)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	return getJob(ctx, s.pool, id)
}

func getJob(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (*domain.ProcessingJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (s *Store) Lease(ctx context.Context, req domain.LeaseRequest) ([]*domain.ProcessingJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, leaseLockKey); err != nil {
		return nil, fmt.Errorf("acquire lease lock: %w", err)
	}

	limit := req.Limit
	if req.MaxActive > 0 {
		var active int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs
			WHERE `+notTerminal+` AND lease_owner <> '' AND lease_expires_at > $1`, req.Now).Scan(&active)
		if err != nil {
			return nil, fmt.Errorf("count active leases: %w", err)
		}
		if room := req.MaxActive - active; room < limit {
			limit = room
		}
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `UPDATE jobs SET
			lease_owner = $1, lease_expires_at = $2, updated_at = $3, version = version + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state = 'queued' AND NOT cancel_requested AND next_eligible_at <= $3
			  AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $3)
			ORDER BY priority_rank ASC, created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		req.Owner, req.Now.Add(req.TTL), req.Now, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	leased, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	sortLeaseOrder(leased)
	return leased, nil
}

func (s *Store) Save(ctx context.Context, job *domain.ProcessingJob, owner string) error {
	outcome, err := encodeOutcome(job.Outcome)
	if err != nil {
		return err
	}

	query := `UPDATE jobs SET
		source_asset_ref = $1, owner_id = $2, metadata = $3, priority_rank = $4, state = $5,
		attempt_count = $6, max_attempts = $7, next_eligible_at = $8, updated_at = $9, terminal_at = $10,
		error_kind = $11, error_detail = $12, flagged = $13, cancel_requested = $14, lease_owner = $15,
		lease_expires_at = $16, outcome = $17, version = version + 1
		WHERE id = $18 AND version = $19`
	args := []any{
		job.SourceAssetRef, job.OwnerID, metadataOrEmpty(job.Metadata), job.Priority.Rank(), string(job.State),
		job.AttemptCount, job.MaxAttempts, job.NextEligibleAt, job.UpdatedAt, job.TerminalAt,
		string(job.ErrorKind), job.ErrorDetail, job.Flagged, job.CancelRequested, job.LeaseOwner,
		nullTime(job.LeaseExpiresAt), outcome, job.ID, job.Version,
	}
	if owner != "" {
		query += ` AND lease_owner = $20`
		args = append(args, owner)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		job.Version++
		return nil
	}

	current, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if owner != "" && current.LeaseOwner != owner {
		return domain.ErrLeaseLost
	}
	return domain.ErrConflict
}

func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*domain.ProcessingJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return job, domain.ErrTerminal
	}

	if job.State == domain.JobStateQueued && !job.HoldsLease(job.LeaseOwner, now) {
		if err := job.Transition(domain.JobStateCancelled, now); err != nil {
			return nil, err
		}
		job.ErrorKind = domain.KindCancelled
		job.ErrorDetail = "cancelled before execution"
	} else {
		job.CancelRequested = true
		job.UpdatedAt = now
	}

	_, err = tx.Exec(ctx, `UPDATE jobs SET state = $1, updated_at = $2, terminal_at = $3,
		error_kind = $4, error_detail = $5, cancel_requested = $6, lease_owner = $7, lease_expires_at = $8,
		version = version + 1
		WHERE id = $9`,
		string(job.State), job.UpdatedAt, job.TerminalAt, string(job.ErrorKind), job.ErrorDetail,
		job.CancelRequested, job.LeaseOwner, nullTime(job.LeaseExpiresAt), id)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	job.Version++
	return job, nil
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]*domain.ProcessingJob, error) {
	return s.list(ctx, notTerminal+` AND lease_owner <> '' AND lease_expires_at <= $1`, now)
}

func (s *Store) ListResidentSince(ctx context.Context, before time.Time) ([]*domain.ProcessingJob, error) {
	return s.list(ctx, notTerminal+` AND created_at < $1`, before)
}

func (s *Store) ListByState(ctx context.Context, states ...domain.JobState) ([]*domain.ProcessingJob, error) {
	if len(states) == 0 {
		return s.list(ctx, `TRUE`)
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.list(ctx, `state = ANY($1)`, names)
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE NOT (`+notTerminal+`) AND terminal_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]*domain.ProcessingJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*domain.ProcessingJob, error) {
	defer rows.Close()
	var jobs []*domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.ProcessingJob, error) {
	var (
		job            domain.ProcessingJob
		metadata       map[string]string
		rank           int16
		state          string
		errorKind      string
		leaseExpiresAt *time.Time
		outcome        []byte
	)
	err := row.Scan(
		&job.ID, &job.SourceAssetRef, &job.OwnerID, &metadata, &rank, &state,
		&job.AttemptCount, &job.MaxAttempts, &job.NextEligibleAt, &job.CreatedAt, &job.UpdatedAt, &job.TerminalAt,
		&errorKind, &job.ErrorDetail, &job.Flagged, &job.CancelRequested, &job.LeaseOwner, &leaseExpiresAt,
		&job.Version, &outcome,
	)
	if err != nil {
		return nil, err
	}
	job.Priority = domain.PriorityFromRank(int(rank))
	if job.State, err = domain.ParseJobState(state); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.ErrorKind = domain.ErrorKind(errorKind)
	if len(metadata) > 0 {
		job.Metadata = metadata
	}
	if leaseExpiresAt != nil {
		job.LeaseExpiresAt = *leaseExpiresAt
	}
	if len(outcome) > 0 {
		job.Outcome = &domain.Outcome{}
		if err := json.Unmarshal(outcome, job.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// sortLeaseOrder restores lease order; UPDATE ... RETURNING does not keep
// the subquery's ORDER BY.
func sortLeaseOrder(jobs []*domain.ProcessingJob) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func encodeOutcome(o *domain.Outcome) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return data, nil
}

var _ port.JobStore = (*Store)(nil)
