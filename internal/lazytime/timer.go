// Package lazytime provides timers and tickers that are only allocated once
// they are first armed, so a zero value can sit in a select loop with a nil
// channel until it is needed.
package lazytime

import (
	"context"
	"time"
)

// Timer is a lazily-created time.Timer. Its zero value is usable and never
// fires.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
	armed bool
}

// Reset drains the timer and arms it to fire after d. The first call creates
// the underlying timer.
func (t *Timer) Reset(d time.Duration) {
	t.armed = true

	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}

	t.drain()
	t.timer.Reset(d)
}

// ResetAt arms the timer to fire at the given instant. An instant in the past
// fires immediately.
func (t *Timer) ResetAt(at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// Armed returns true if the timer was reset and has not been stopped since.
func (t *Timer) Armed() bool { return t.armed }

// Stop stops and drains the timer. It does nothing on a zero Timer.
func (t *Timer) Stop() {
	t.armed = false
	t.drain()
}

func (t *Timer) drain() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Wait blocks until the timer fires or until the context expires.
func (t *Timer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		t.armed = false
		return nil
	}
}
