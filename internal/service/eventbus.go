package service

import (
	"context"
	"sync"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

// EventBus fans progress snapshots out to in-process subscribers, such as
// SSE streams, and remembers the last snapshot of every job.
type EventBus struct {
	subscribers map[string][]chan domain.ProgressSnapshot
	last        map[string]domain.ProgressSnapshot
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan domain.ProgressSnapshot),
		last:        make(map[string]domain.ProgressSnapshot),
	}
}

func (eb *EventBus) Subscribe(jobID string) chan domain.ProgressSnapshot {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan domain.ProgressSnapshot, 16)
	eb.subscribers[jobID] = append(eb.subscribers[jobID], ch)
	return ch
}

func (eb *EventBus) Unsubscribe(jobID string, ch chan domain.ProgressSnapshot) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(eb.subscribers[jobID]) == 0 {
		delete(eb.subscribers, jobID)
	}
}

// Emit never blocks; slow subscribers miss intermediate snapshots.
func (eb *EventBus) Emit(_ context.Context, snap domain.ProgressSnapshot) error {
	eb.mu.Lock()
	eb.last[snap.JobID] = snap
	eb.mu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[snap.JobID] {
		select {
		case ch <- snap:
		default:
		}
	}
	return nil
}

func (eb *EventBus) Last(jobID string) (domain.ProgressSnapshot, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	snap, ok := eb.last[jobID]
	return snap, ok
}

// Forget drops the remembered snapshot of a job.
func (eb *EventBus) Forget(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.last, jobID)
}

var _ port.ProgressSink = (*EventBus)(nil)
