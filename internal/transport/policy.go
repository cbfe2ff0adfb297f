package transport

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how the transport retries transient failures.
// The zero value is unusable; start from DefaultPolicy and override fields.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed wait before jitter is applied.
	MaxBackoff time.Duration

	// Multiplier grows the wait between consecutive retries.
	Multiplier float64

	// Jitter is the random spread applied to every wait, as a fraction of the
	// computed value. 0.5 means the actual wait lands anywhere in ±50% of the
	// computed backoff. Zero disables jitter.
	Jitter float64

	// MaxElapsed bounds the whole call including waits. When the elapsed time
	// plus the next wait would exceed it, the transport gives up with the last
	// failure instead of sleeping. Zero means no bound.
	MaxElapsed time.Duration
}

// DefaultPolicy returns the retry policy used when none is configured:
// 3 attempts, 500ms initial backoff doubling up to 30s, ±50% jitter,
// 5 minute overall budget.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.5,
		MaxElapsed:     5 * time.Minute,
	}
}

// normalized returns a copy of the policy with out-of-range fields replaced by
// their defaults, so a partially filled policy never panics or spins.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	if p.MaxElapsed < 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	return p
}

// Backoff returns the wait before the next try, given that attempt (1-based)
// just failed. The exponential value is capped at MaxBackoff first, then
// jittered, so the jittered wait may exceed the cap by at most the jitter
// fraction.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if p.Jitter > 0 {
		// Spread uniformly over [1-jitter, 1+jitter].
		factor := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}
