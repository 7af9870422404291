package room

import (
	"math/rand"
	"time"
)

// backoff computes capped exponential reconnect delays with full jitter.
type backoff struct {
	base time.Duration
	cap  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base << attempt
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
