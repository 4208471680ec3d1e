// Package retry holds the exponential backoff policy shared by the HTTP
// client and the job workers.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialPolicy doubles the delay after each attempt.
type ExponentialPolicy struct {
	// MaxAttempts counts the first try; 3 means one try plus two retries.
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
}

// NewExponentialPolicy builds a policy, filling zero values with defaults.
func NewExponentialPolicy(maxAttempts int, base, maxDelay time.Duration) ExponentialPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 || maxDelay < base {
		maxDelay = base * 64
	}
	return ExponentialPolicy{MaxAttempts: maxAttempts, Base: base, Max: maxDelay}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt failed.
func (p ExponentialPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff returns the wait before the attempt following the given 1-based
// attempt: Base, 2*Base, 4*Base ... capped at Max.
func (p ExponentialPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	d := time.Duration(delay)
	if !p.Jitter {
		return d
	}
	return d/2 + randomJitter(d/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
