package ws

import (
	"math/rand/v2"
	"time"
)

// Defaults for reconnection timing.
const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectMaxDelay = 60 * time.Second
)

// ReconnectPolicy picks the wait before reconnection attempt n (0-based,
// reset after every successful connect). Retries are never capped.
type ReconnectPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every attempt.
type FixedDelay time.Duration

// Delay implements ReconnectPolicy.
func (f FixedDelay) Delay(int) time.Duration {
	return time.Duration(f)
}

// ExponentialBackoff doubles Base per attempt up to Max (DefaultReconnectMaxDelay
// when unset). Jitter in [0,1] shortens each delay by a random fraction of at
// most Jitter, so the cap is never exceeded.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns values in [0,1); nil uses math/rand/v2.
	Rand func() float64
}

// Delay implements ReconnectPolicy.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	wait := b.Base
	if wait <= 0 {
		wait = DefaultReconnectDelay
	}
	maxWait := b.Max
	if maxWait <= 0 {
		maxWait = DefaultReconnectMaxDelay
	}
	for i := 0; i < attempt && wait < maxWait; i++ {
		wait *= 2
	}
	if wait > maxWait {
		wait = maxWait
	}

	if b.Jitter > 0 {
		jitter := b.Jitter
		if jitter > 1 {
			jitter = 1
		}
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		wait -= time.Duration(float64(wait) * jitter * r())
	}
	return wait
}
