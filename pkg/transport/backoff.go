package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

const maxDelay = time.Duration(1<<63 - 1)

// Backoff computes exponential delays with additive jitter:
// min(Max, Base*2^(attempt-1) + rand[0, Base)).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Delay returns the wait before the attempt following attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		if (b.Max > 0 && d >= b.Max) || d > maxDelay/2 {
			break
		}
		d *= 2
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	d += time.Duration(jitter(int64(b.Base)))

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
