package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes min(Base*Factor^(attempt-1), Cap), optionally scaled by
// a jitter factor drawn from [0.5, 1.0].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter bool
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func New(base, cap time.Duration) *Backoff {
	return &Backoff{
		Base:   base,
		Cap:    cap,
		Factor: 2,
		Jitter: true,
	}
}

func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Base
	}

	duration := float64(b.Base) * pow(b.Factor, attempt-1)

	if b.Cap > 0 && duration > float64(b.Cap) {
		duration = float64(b.Cap)
	}

	if b.Jitter {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		duration = duration * (0.5 + r()*0.5)
	}

	return time.Duration(duration)
}

// Wait sleeps for the backoff of attempt or until ctx is done.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
		if result > 1e18 {
			break
		}
	}
	return result
}
