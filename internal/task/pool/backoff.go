package pool

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryBase     = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

// Backoff returns base*2^(attempt-1), capped at max. attempt is the number of
// the attempt that just failed, starting at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	if max <= 0 {
		max = defaultRetryMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// delayFor picks the wait before the attempt after a failed one. A RetryAfter
// hint replaces the exponential delay.
func (o Options) delayFor(attempt int, err error) time.Duration {
	maxD := o.RetryMaxDelay
	if maxD <= 0 {
		maxD = defaultRetryMaxDelay
	}

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = min(ra.RetryAfter(), maxD)
	} else {
		d = Backoff(o.RetryBase, maxD, attempt)
	}

	if j := o.RetryJitter; j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	return max(0, min(d, maxD))
}
