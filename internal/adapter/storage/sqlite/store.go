package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a port.JobStore on SQLite. It runs on a single connection, so a
// transaction holds the database exclusively and leasing is atomic.
type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
				"PRAGMA cache_size = -8000",    // 8MB
				"PRAGMA mmap_size = 268435456", // 256MB
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewStore(dataDir string) (*Store, error) {
	registerHook()

	dbPath := filepath.Join(dataDir, "reel.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = `id, source_asset_ref, owner_id, metadata, priority_rank, state,
	attempt_count, max_attempts, next_eligible_at, created_at, updated_at, terminal_at,
	error_kind, error_detail, flagged, cancel_requested, lease_owner, lease_expires_at,
	version, outcome`

const liveLease = `state NOT IN ('completed', 'failed', 'cancelled') AND lease_owner <> '' AND lease_expires_at > ?`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) Create(ctx context.Context, job *domain.ProcessingJob) error {
	if job.Version == 0 {
		job.Version = 1
	}
	r, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.args()...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	return getJob(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJob(ctx context.Context, q querier, id string) (*domain.ProcessingJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (s *Store) Lease(ctx context.Context, req domain.LeaseRequest) ([]*domain.ProcessingJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := req.Now.UnixNano()
	limit := req.Limit
	if req.MaxActive > 0 {
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+liveLease, now).Scan(&active); err != nil {
			return nil, fmt.Errorf("count active leases: %w", err)
		}
		if room := req.MaxActive - active; room < limit {
			limit = room
		}
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = 'queued' AND cancel_requested = 0 AND next_eligible_at <= ?
		  AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY priority_rank ASC, created_at ASC, id ASC
		LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible jobs: %w", err)
	}
	var leased []*domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		leased = append(leased, job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	expires := req.Now.Add(req.TTL)
	for _, job := range leased {
		res, err := tx.ExecContext(ctx, `UPDATE jobs
			SET lease_owner = ?, lease_expires_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			req.Owner, expires.UnixNano(), now, job.ID, job.Version)
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("lease job %s: %w", job.ID, domain.ErrConflict)
		}
		job.LeaseOwner = req.Owner
		job.LeaseExpiresAt = expires
		job.UpdatedAt = req.Now
		job.Version++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return leased, nil
}

func (s *Store) Save(ctx context.Context, job *domain.ProcessingJob, owner string) error {
	r, err := toRow(job)
	if err != nil {
		return err
	}

	query := `UPDATE jobs SET
		source_asset_ref = ?, owner_id = ?, metadata = ?, priority_rank = ?, state = ?,
		attempt_count = ?, max_attempts = ?, next_eligible_at = ?, updated_at = ?, terminal_at = ?,
		error_kind = ?, error_detail = ?, flagged = ?, cancel_requested = ?, lease_owner = ?,
		lease_expires_at = ?, outcome = ?, version = version + 1
		WHERE id = ? AND version = ?`
	args := []any{
		r.sourceAssetRef, r.ownerID, r.metadata, r.priorityRank, r.state,
		r.attemptCount, r.maxAttempts, r.nextEligibleAt, r.updatedAt, r.terminalAt,
		r.errorKind, r.errorDetail, r.flagged, r.cancelRequested, r.leaseOwner,
		r.leaseExpiresAt, r.outcome, r.id, r.version,
	}
	if owner != "" {
		query += ` AND lease_owner = ?`
		args = append(args, owner)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		job.Version++
		return nil
	}
	return s.saveMiss(ctx, job.ID, owner)
}

// saveMiss explains why a conditional update matched no row.
func (s *Store) saveMiss(ctx context.Context, id, owner string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if owner != "" && current.LeaseOwner != owner {
		return domain.ErrLeaseLost
	}
	return domain.ErrConflict
}

func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*domain.ProcessingJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, id)
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

	r, err := toRow(job)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ?, terminal_at = ?,
		error_kind = ?, error_detail = ?, cancel_requested = ?, lease_owner = ?, lease_expires_at = ?,
		version = version + 1
		WHERE id = ?`,
		r.state, r.updatedAt, r.terminalAt, r.errorKind, r.errorDetail, r.cancelRequested,
		r.leaseOwner, r.leaseExpiresAt, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	job.Version++
	return job, nil
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]*domain.ProcessingJob, error) {
	return s.list(ctx, `state NOT IN ('completed', 'failed', 'cancelled') AND lease_owner <> '' AND lease_expires_at <= ?`, now.UnixNano())
}

func (s *Store) ListResidentSince(ctx context.Context, before time.Time) ([]*domain.ProcessingJob, error) {
	return s.list(ctx, `state NOT IN ('completed', 'failed', 'cancelled') AND created_at < ?`, before.UnixNano())
}

func (s *Store) ListByState(ctx context.Context, states ...domain.JobState) ([]*domain.ProcessingJob, error) {
	if len(states) == 0 {
		return s.list(ctx, `1 = 1`)
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return s.list(ctx, `state IN (`+strings.Join(placeholders, ", ")+`)`, args...)
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND terminal_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]*domain.ProcessingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
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

var _ port.JobStore = (*Store)(nil)
