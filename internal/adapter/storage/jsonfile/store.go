package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

// Store keeps every job in memory and rewrites jobs.json on each mutation.
// It is meant for a single process; the mutex is what makes leasing atomic.
type Store struct {
	mu   sync.RWMutex
	path string
	jobs map[string]*domain.ProcessingJob
}

func NewStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "jobs.json")

	store := &Store{
		path: path,
		jobs: make(map[string]*domain.ProcessingJob),
	}

	if err := store.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	var jobList []*domain.ProcessingJob
	if err := json.Unmarshal(data, &jobList); err != nil {
		return err
	}

	for _, j := range jobList {
		s.jobs[j.ID] = j
	}

	return nil
}

func (s *Store) save() error {
	tmpPath := s.path + ".tmp"

	jobList := make([]*domain.ProcessingJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobList = append(jobList, j)
	}
	sort.Slice(jobList, func(a, b int) bool { return jobList[a].CreatedAt.Before(jobList[b].CreatedAt) })

	data, err := json.MarshalIndent(jobList, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}

// commit persists the map, restoring the previous row for id on failure so
// memory never runs ahead of disk.
func (s *Store) commit(id string, prev *domain.ProcessingJob) error {
	if err := s.save(); err != nil {
		if prev == nil {
			delete(s.jobs, id)
		} else {
			s.jobs[id] = prev
		}
		return fmt.Errorf("persist jobs: %w", err)
	}
	return nil
}

func (s *Store) Create(_ context.Context, job *domain.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
	}
	if job.Version == 0 {
		job.Version = 1
	}
	s.jobs[job.ID] = job.Clone()
	return s.commit(job.ID, nil)
}

func (s *Store) Get(_ context.Context, id string) (*domain.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return j.Clone(), nil
}

func (s *Store) Lease(_ context.Context, req domain.LeaseRequest) ([]*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := req.Limit
	if req.MaxActive > 0 {
		active := 0
		for _, j := range s.jobs {
			if !j.State.IsTerminal() && j.LeaseOwner != "" && j.LeaseExpiresAt.After(req.Now) {
				active++
			}
		}
		if room := req.MaxActive - active; room < limit {
			limit = room
		}
	}
	if limit <= 0 {
		return nil, nil
	}

	var eligible []*domain.ProcessingJob
	for _, j := range s.jobs {
		if j.State != domain.JobStateQueued || j.CancelRequested {
			continue
		}
		if j.NextEligibleAt.After(req.Now) {
			continue
		}
		if j.LeaseOwner != "" && j.LeaseExpiresAt.After(req.Now) {
			continue
		}
		eligible = append(eligible, j)
	}
	sort.Slice(eligible, func(a, b int) bool {
		ja, jb := eligible[a], eligible[b]
		if ja.Priority.Rank() != jb.Priority.Rank() {
			return ja.Priority.Rank() < jb.Priority.Rank()
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	previous := make(map[string]*domain.ProcessingJob, len(eligible))
	for _, j := range eligible {
		previous[j.ID] = j.Clone()
		j.LeaseOwner = req.Owner
		j.LeaseExpiresAt = req.Now.Add(req.TTL)
		j.UpdatedAt = req.Now
		j.Version++
	}
	if err := s.save(); err != nil {
		for id, prev := range previous {
			s.jobs[id] = prev
		}
		return nil, fmt.Errorf("persist jobs: %w", err)
	}

	leased := make([]*domain.ProcessingJob, len(eligible))
	for i, j := range eligible {
		leased[i] = j.Clone()
	}
	return leased, nil
}

func (s *Store) Save(_ context.Context, job *domain.ProcessingJob, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if owner != "" && current.LeaseOwner != owner {
		return domain.ErrLeaseLost
	}
	if current.Version != job.Version {
		return domain.ErrConflict
	}

	job.Version++
	s.jobs[job.ID] = job.Clone()
	if err := s.commit(job.ID, current); err != nil {
		job.Version--
		return err
	}
	return nil
}

func (s *Store) RequestCancel(_ context.Context, id string, now time.Time) (*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.State.IsTerminal() {
		return current.Clone(), domain.ErrTerminal
	}

	updated := current.Clone()
	if updated.State == domain.JobStateQueued && !updated.HoldsLease(updated.LeaseOwner, now) {
		if err := updated.Transition(domain.JobStateCancelled, now); err != nil {
			return nil, err
		}
		updated.ErrorKind = domain.KindCancelled
		updated.ErrorDetail = "cancelled before execution"
	} else {
		updated.CancelRequested = true
		updated.UpdatedAt = now
	}
	updated.Version++
	s.jobs[id] = updated
	if err := s.commit(id, current); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *Store) ListExpiredLeases(_ context.Context, now time.Time) ([]*domain.ProcessingJob, error) {
	return s.filter(func(j *domain.ProcessingJob) bool {
		return !j.State.IsTerminal() && j.LeaseOwner != "" && !j.LeaseExpiresAt.After(now)
	}), nil
}

func (s *Store) ListResidentSince(_ context.Context, before time.Time) ([]*domain.ProcessingJob, error) {
	return s.filter(func(j *domain.ProcessingJob) bool {
		return !j.State.IsTerminal() && j.CreatedAt.Before(before)
	}), nil
}

func (s *Store) ListByState(_ context.Context, states ...domain.JobState) ([]*domain.ProcessingJob, error) {
	want := make(map[domain.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	return s.filter(func(j *domain.ProcessingJob) bool {
		return len(want) == 0 || want[j.State]
	}), nil
}

func (s *Store) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]*domain.ProcessingJob)
	for id, j := range s.jobs {
		if j.State.IsTerminal() && j.TerminalAt != nil && j.TerminalAt.Before(before) {
			removed[id] = j
			delete(s.jobs, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		for id, j := range removed {
			s.jobs[id] = j
		}
		return 0, fmt.Errorf("persist jobs: %w", err)
	}
	return len(removed), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) filter(keep func(*domain.ProcessingJob) bool) []*domain.ProcessingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ProcessingJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

var _ port.JobStore = (*Store)(nil)
