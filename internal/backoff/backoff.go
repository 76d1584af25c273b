// Package backoff provides the jittered exponential backoff used between
// gateway reconnect attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/atomic"
)

const factor = 2

// Backoff is a time.Duration counter, starting at Min. After every call to
// Next the current timing is multiplied by two, but it never exceeds Max.
type Backoff struct {
	min, max float64 // seconds
	attempt  atomic.Int32
	jitter   bool
}

// NewBackoff creates a new jittered backoff counter.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{
		min:    min.Seconds(),
		max:    max.Seconds(),
		jitter: true,
	}
}

// NewFixed creates a backoff without jitter. It is mostly useful in tests,
// where the reconnect cadence must be predictable.
func NewFixed(min, max time.Duration) *Backoff {
	b := NewBackoff(min, max)
	b.jitter = false
	return b
}

// Next returns the next backoff duration.
func (b *Backoff) Next() time.Duration {
	return b.forAttempt(b.attempt.Inc() - 1)
}

// Attempts returns the number of times Next was called since the last Reset.
func (b *Backoff) Attempts() int {
	return int(b.attempt.Load())
}

// Reset sets the attempt counter back to zero, usually after a successful
// connection.
func (b *Backoff) Reset() {
	b.attempt.Store(0)
}

// Wait sleeps for the next backoff duration or until done is closed. It
// returns false if done was closed first.
func (b *Backoff) Wait(done <-chan struct{}) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

// ForAttempt returns the duration for a specific attempt without touching the
// counter. The first attempt is 0.
func (b *Backoff) ForAttempt(attempt int) time.Duration {
	if attempt > math.MaxInt32 {
		attempt = math.MaxInt32
	}
	return b.forAttempt(int32(attempt))
}

func (b *Backoff) forAttempt(attempt int32) time.Duration {
	if b.min >= b.max {
		return duration(b.max)
	}

	// Overflowed attempts count as the largest.
	if attempt < 0 {
		attempt = math.MaxInt32
	}

	dur := b.min * math.Pow(factor, float64(attempt))
	if b.jitter {
		dur = rand.Float64()*(dur-b.min) + b.min
	}

	if dur < b.min {
		return duration(b.min)
	}
	if dur > b.max {
		return duration(b.max)
	}

	return duration(dur)
}

// duration converts a seconds float64 to time.Duration without losing accuracy.
func duration(secs float64) time.Duration {
	whole, frac := math.Modf(secs)
	return (time.Duration(whole) * time.Second) + time.Duration(frac*float64(time.Second))
}
