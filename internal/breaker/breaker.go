// Package breaker implements the retry/circuit-breaking behavior backing
// RetryPolicy (fedaccel.RetryPolicy), adapted from
// CircuitBreaker (internal/circuit_breaker.go): a sliding failure window
// that trips an open period once a threshold is crossed. Here it is
// generalized from a single global DuckDB breaker into one instance per
// dataset, and paired with an exponential-backoff Wait used by the
// refresh engine between retry attempts.
package breaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/lychee-technology/fedaccel"
)

// Breaker is a per-dataset circuit breaker guarding refresh/connector
// calls from hammering a failing source.
type Breaker struct {
	mu           sync.Mutex
	failures     []time.Time
	threshold    int
	window       time.Duration
	openUntil    time.Time
	openDuration time.Duration
}

// New creates a breaker that opens once threshold failures occur within
// window, and stays open for openDuration.
func New(threshold int, window, openDuration time.Duration) *Breaker {
	return &Breaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		failures:     make([]time.Time, 0, threshold),
	}
}

// RecordFailure appends a failure timestamp and opens the breaker if the
// threshold within window is reached.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failures = append([]time.Time{}, b.failures[i:]...)
	}
	b.failures = append(b.failures, now)

	if b.threshold > 0 && len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.openDuration)
	}
}

// RecordSuccess clears the failure history and closes the breaker.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
}

// IsOpen reports whether the breaker is currently refusing calls.
func (b *Breaker) IsOpen() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// Backoff computes the delay before retry attempt n (1-indexed), applying
// full jitter between 0 and the exponential ceiling, capped at policy's
// MaxDelay.
func Backoff(policy fedaccel.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := base << uint(attempt-1)
	if policy.MaxDelay > 0 && ceiling > policy.MaxDelay {
		ceiling = policy.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// WaitAttempt sleeps for Backoff(policy, attempt) or until ctx is done,
// returning ctx.Err() on cancellation.
func WaitAttempt(ctx context.Context, policy fedaccel.RetryPolicy, attempt int) error {
	d := Backoff(policy, attempt)
	if d <= 0 {
		return nil
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
