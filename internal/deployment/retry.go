package deployment

import (
	"context"
	"time"
)

// RetryPolicy bounds automatic retries of transient failures.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 1s doubling up to 30s, five attempts per step.
var DefaultRetryPolicy = RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}

// Backoff returns the wait before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Envelope is the longest total wait one step can spend backing off.
func (p RetryPolicy) Envelope() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Backoff(n)
	}
	return total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
