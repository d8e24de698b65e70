package dispatch

import (
	"math"
	"time"
)

// Backoff decides how long a failed outbox entry waits before its next
// attempt. attempt starts at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff waits the same delay after every failure.
type ConstantBackoff time.Duration

// Delay returns the constant delay.
func (c ConstantBackoff) Delay(int) time.Duration {
	return time.Duration(c)
}

// ExponentialBackoff multiplies Base by Factor per attempt, capped at Max.
// A zero Max caps at the largest Duration.
//
//	ExponentialBackoff{Base: time.Second, Factor: 2, Max: time.Minute}
//	// 1s, 2s, 4s, ... 1m
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay implements Backoff.
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	// float64(math.MaxInt64) rounds up to 2^63, so >= catches every overflow.
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
