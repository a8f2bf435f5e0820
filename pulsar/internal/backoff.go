package internal

import (
	"math"
	"math/rand"
	"time"
)

// Backoff implements the exponential-backoff-with-jitter reconnection
// collaborator named in spec §4.6/§9, grounded on the teacher's own
// internal.Backoff{} usage (reconnectToBroker calls backoff.Next() in a
// loop). Zero value is ready to use.
type Backoff struct {
	attempt int
}

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second
)

// Next returns the delay to wait before the next reconnection attempt
// and advances the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := time.Duration(math.Min(
		float64(minBackoff)*math.Pow(2, float64(b.attempt)),
		float64(maxBackoff),
	))
	b.attempt++

	// jitter in [0.5, 1.5) * delay, same shape as the teacher's backoff
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Reset clears the attempt counter, e.g. after a successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
