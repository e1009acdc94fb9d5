package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bnema/reel/internal/domain"
)

// Limiter caps encode subprocesses across every job in the process.
type Limiter struct {
	sem         *semaphore.Weighted
	capacity    int
	slotTimeout time.Duration

	inUse atomic.Int64
	peak  atomic.Int64
}

func NewLimiter(capacity int, slotTimeout time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		sem:         semaphore.NewWeighted(int64(capacity)),
		capacity:    capacity,
		slotTimeout: slotTimeout,
	}
}

// Acquire waits for a slot for at most the slot timeout. The returned
// release func is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if l.slotTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.slotTimeout)
		defer cancel()
	}
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.TimeoutError(domain.JobStateTranscoding,
			fmt.Errorf("no encode slot within %s", l.slotTimeout))
	}

	n := l.inUse.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inUse.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

func (l *Limiter) Capacity() int { return l.capacity }
func (l *Limiter) InUse() int64  { return l.inUse.Load() }
func (l *Limiter) Peak() int64   { return l.peak.Load() }
