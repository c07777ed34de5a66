// Package resilience wraps network and storage calls with exponential backoff.
//
// The delay before attempt n+1 is min(MaxDelay, BaseDelay*Factor^(n-1)) plus a jitter
// drawn from [0, BaseDelay). Only errors classified as transient by the errors package
// are retried; anything else is returned on the spot.
package resilience

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Process-wide defaults applied to any zero Policy field.
const (
	DefaultBaseDelay   = time.Second
	DefaultFactor      = 2.0
	DefaultMaxDelay    = 32 * time.Second
	DefaultMaxAttempts = 5
)

// Policy configures exponential backoff for a retried call.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the process-wide backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Factor:      DefaultFactor,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// WithDefaults returns a copy of p where every unset field takes the process default.
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Factor <= 0 {
		p.Factor = DefaultFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Merge overlays the non-zero fields of override on top of p.
func (p Policy) Merge(override Policy) Policy {
	if override.BaseDelay > 0 {
		p.BaseDelay = override.BaseDelay
	}
	if override.Factor > 0 {
		p.Factor = override.Factor
	}
	if override.MaxDelay > 0 {
		p.MaxDelay = override.MaxDelay
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	return p
}

// Delay returns the deterministic part of the wait after the n-th failed attempt
// (1-indexed): min(MaxDelay, BaseDelay*Factor^(n-1)).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(n-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// policyBackOff adapts a Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	jitter  JitterFunc
	attempt int
}

var _ backoff.BackOff = (*policyBackOff)(nil)

// NextBackOff returns the wait before the next attempt, jitter included.
func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt) + b.jitter(b.policy.BaseDelay)
}

// Reset rewinds the attempt counter.
func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// newBackOff builds the bounded backoff sequence for one retried call.
func newBackOff(p Policy, jitter JitterFunc) backoff.BackOff {
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(&policyBackOff{policy: p, jitter: jitter}, uint64(retries))
}
