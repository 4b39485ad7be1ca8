package alertmanager

import (
	"math"
	"math/rand"
	"time"
)

// backoff produces exponentially growing retry delays with jitter. It is
// owned by the dispatcher goroutine and needs no locking.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = 30 * time.Second
	}
	return &backoff{initial: initial, max: max, multiplier: 2.0, jitter: 0.1}
}

// next returns the delay before the following attempt.
func (b *backoff) next() time.Duration {
	delay := float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	if b.jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.jitter
	}
	if delay < 0 {
		delay = float64(b.initial)
	}
	b.attempt++
	return time.Duration(delay)
}
