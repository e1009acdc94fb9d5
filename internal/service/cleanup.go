package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
)

var ErrUnsettled = errors.New("artifacts not settled")

// CleanupManager owns per-job scratch directories under one root. A
// directory survives retries and is removed once the job is terminal.
type CleanupManager struct {
	root   string
	logger *slog.Logger
	remove func(string) error

	mu       sync.Mutex
	held     map[string]string
	released map[string]bool
}

func NewCleanupManager(root string, l *slog.Logger) *CleanupManager {
	return &CleanupManager{
		root:     root,
		logger:   logger.WithComponent(l, "cleanup"),
		remove:   os.RemoveAll,
		held:     make(map[string]string),
		released: make(map[string]bool),
	}
}

func (c *CleanupManager) Dir(jobID string) string {
	return filepath.Join(c.root, jobID)
}

// Acquire creates (or reuses) the job's scratch directory.
func (c *CleanupManager) Acquire(jobID string) (string, error) {
	if jobID == "" || filepath.Base(jobID) != jobID || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q for scratch dir", jobID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.Dir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	c.held[jobID] = dir
	delete(c.released, jobID)
	return dir, nil
}

// Release deletes the scratch directory of a terminal job whose artifacts
// are all settled. It reports whether this call removed it; later calls for
// the same job are no-ops.
func (c *CleanupManager) Release(jobID string, state domain.JobState, outcome *domain.Outcome) (bool, error) {
	if !state.IsTerminal() {
		return false, nil
	}
	if !outcome.AllSettled() {
		return false, fmt.Errorf("release %s: %w", jobID, ErrUnsettled)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released[jobID] {
		return false, nil
	}
	dir, ok := c.held[jobID]
	if !ok {
		dir = c.Dir(jobID)
	}
	if err := c.remove(dir); err != nil {
		return false, fmt.Errorf("remove scratch dir: %w", err)
	}
	delete(c.held, jobID)
	c.released[jobID] = true
	c.logger.Debug("scratch released", "job_id", jobID, "state", state)
	return true, nil
}

// Sweep removes scratch directories left behind for jobs that are terminal
// or no longer known to the store. Directories of live jobs are kept.
func (c *CleanupManager) Sweep(ctx context.Context, store port.JobStore) (int, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		job, err := store.Get(ctx, jobID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return removed, fmt.Errorf("lookup %s: %w", jobID, err)
		case !job.State.IsTerminal():
			continue
		}

		c.mu.Lock()
		if _, live := c.held[jobID]; live {
			c.mu.Unlock()
			continue
		}
		err = c.remove(filepath.Join(c.root, jobID))
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("sweep scratch dir", "job_id", jobID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("swept stale scratch dirs", "count", removed)
	}
	return removed, nil
}
