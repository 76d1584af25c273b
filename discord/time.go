package discord

import (
	"strconv"
	"time"
)

// Milliseconds is a duration in milliseconds as sent by the voice gateway. It
// may be fractional.
type Milliseconds float64

// DurationToMilliseconds converts a duration to Milliseconds.
func DurationToMilliseconds(dura time.Duration) Milliseconds {
	return Milliseconds(float64(dura) / float64(time.Millisecond))
}

func (ms Milliseconds) String() string {
	return strconv.FormatFloat(float64(ms), 'f', -1, 64) + "ms"
}

// Duration converts ms back to a time.Duration.
func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}
