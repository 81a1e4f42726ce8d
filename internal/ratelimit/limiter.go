package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a deterministic rate limiter over an injected Clock. It keeps a
// single virtual arrival time instead of a token count: each spent token
// pushes the arrival time one emission interval into the future, and a spend
// conforms while the arrival time has not run more than the burst allowance
// ahead of the clock. Integer durations throughout, no float accumulation.
type Limiter struct {
	mu sync.Mutex

	clock    Clock
	interval time.Duration // virtual time per token
	burst    time.Duration // how far ahead of the clock spending may run

	arrival time.Time
}

// NewLimiter builds a limiter that starts with its full burst available.
// burst is the bucket depth in tokens, rate the sustained tokens/sec; either
// being non-positive denies every positive spend.
func NewLimiter(clock Clock, burst, rate int64) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}

	l := &Limiter{clock: clock, arrival: clock.Now()}
	if rate > 0 {
		l.interval = time.Second / time.Duration(rate)
		if l.interval <= 0 {
			l.interval = 1
		}
	}
	if burst > 0 && l.interval > 0 {
		l.burst = scaleInterval(l.interval, burst-1)
	} else {
		l.burst = -1
	}
	return l
}

// Allow spends n tokens if the spend conforms. n <= 0 always conforms and
// spends nothing.
func (l *Limiter) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	if l.interval <= 0 || l.burst < 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	// The whole batch must fit inside the burst allowance. A clock that
	// jumped backwards makes the gap look larger, which only denies; it can
	// never mint extra tokens.
	if l.arrival.Add(scaleInterval(l.interval, n-1)).Sub(now) > l.burst {
		return false
	}

	base := l.arrival
	if base.Before(now) {
		base = now
	}
	l.arrival = base.Add(scaleInterval(l.interval, n))
	return true
}

// scaleInterval multiplies an interval by a token count, saturating instead
// of overflowing.
func scaleInterval(interval time.Duration, n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	const maxDuration = time.Duration(int64(^uint64(0) >> 1))
	if time.Duration(n) > maxDuration/interval {
		return maxDuration
	}
	return interval * time.Duration(n)
}
