package lazytime

import "time"

// Ticker is a lazily-created time.Ticker. Its zero value never ticks, which
// lets the heartbeat case of a select loop stay dormant until the gateway has
// received its interval.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
	period time.Duration
}

// Reset changes the tick period to d, creating the ticker on first use.
func (t *Ticker) Reset(d time.Duration) {
	t.period = d

	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
		return
	}

	t.ticker.Reset(d)
}

// Period returns the last period given to Reset, or 0.
func (t *Ticker) Period() time.Duration { return t.period }

// Stop stops the ticker. The channel is kept, so it simply stops delivering.
func (t *Ticker) Stop() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
}
