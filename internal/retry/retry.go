package retry

import (
	"context"
	"math/rand"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY POLICY - Bounded exponential backoff with jitter
// ═══════════════════════════════════════════════════════════════════════════════

// Policy bounds how a transient failure is retried.
// Attempts counts the first call, so Attempts=1 never retries.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   time.Duration
}

// Backoff returns the wait before retry number n (0-based): Base*2^n capped at Max, plus jitter.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 2^30 already overflows any sane cap
	if n > 30 {
		n = 30
	}

	d := p.Base * time.Duration(1<<n)
	if p.Max > 0 && (d > p.Max || d < 0) {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts run out or ctx is done.
// The last error is returned. onRetry, when set, is told about each failed attempt that will be retried.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		wait := p.Backoff(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
