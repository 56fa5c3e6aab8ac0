package domain

import (
	"math"
	"time"
)

// RetryStrategy selects the delay curve between attempts.
type RetryStrategy int

const (
	RetryNone RetryStrategy = iota
	RetryLinear
	RetryExponential
)

// String returns the lowercase strategy name.
func (s RetryStrategy) String() string {
	switch s {
	case RetryNone:
		return "none"
	case RetryLinear:
		return "linear"
	case RetryExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParseRetryStrategy maps a strategy name to its value. Unknown or
// empty names fall back to RetryExponential.
func ParseRetryStrategy(s string) RetryStrategy {
	switch s {
	case "none":
		return RetryNone
	case "linear":
		return RetryLinear
	case "exponential", "":
		return RetryExponential
	default:
		return RetryExponential
	}
}

// RetryPolicy bounds how an operation is retried after failure.
type RetryPolicy struct {
	Strategy     RetryStrategy `json:"strategy"`
	MaxRetries   int           `json:"maxRetries"`
	InitialDelay time.Duration `json:"initialDelay"`
	MaxDelay     time.Duration `json:"maxDelay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultRetryPolicy matches the connection-path defaults: three
// retries, 100ms initial delay doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:     RetryExponential,
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the pause before retry attempt n, 1-based: attempt 1 is
// the first retry after the initial failure. RetryNone yields zero,
// RetryLinear a constant InitialDelay, RetryExponential
// InitialDelay*Multiplier^(n-1) capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Strategy == RetryNone {
		return 0
	}
	if p.Strategy == RetryLinear {
		return p.InitialDelay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Allows reports whether retry attempt n (1-based) is within budget.
func (p RetryPolicy) Allows(attempt int) bool {
	if p.Strategy == RetryNone {
		return false
	}
	return attempt <= p.MaxRetries
}
