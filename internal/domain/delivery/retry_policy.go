// Package delivery holds the retry rules applied to failed delivery attempts.
package delivery

import (
	"errors"
	"time"
)

// DefaultMaxAttempts is used when neither the delivery nor the policy sets a limit.
const DefaultMaxAttempts = 3

// ErrInvalidRetryPolicy indicates non-positive or inverted backoff bounds.
var ErrInvalidRetryPolicy = errors.New("retry policy requires 0 < base delay <= max delay")

// RetryPolicyOptions configures a RetryPolicy.
type RetryPolicyOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy decides whether a failed attempt is retried and when.
type RetryPolicy struct {
	maxAttempts int
	base        time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy validates opts and builds a policy.
func NewRetryPolicy(opts RetryPolicyOptions) (*RetryPolicy, error) {
	if opts.BaseDelay <= 0 || opts.MaxDelay < opts.BaseDelay {
		return nil, ErrInvalidRetryPolicy
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryPolicy{maxAttempts: maxAttempts, base: opts.BaseDelay, maxDelay: opts.MaxDelay}, nil
}

// MustNewRetryPolicy is NewRetryPolicy that panics on invalid options.
func MustNewRetryPolicy(opts RetryPolicyOptions) *RetryPolicy {
	p, err := NewRetryPolicy(opts)
	if err != nil {
		panic(err)
	}
	return p
}

// MaxAttempts returns the policy-wide attempt limit.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Backoff returns base * 2^attemptCount, capped at the max delay.
func (p *RetryPolicy) Backoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	delay := p.base
	for range attemptCount {
		if delay >= p.maxDelay/2 {
			return p.maxDelay
		}
		delay *= 2
	}
	return min(delay, p.maxDelay)
}

// Decision is the outcome of applying the policy to a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	NextAt time.Time
}

// Decide evaluates a failure after attemptCount attempts. A maxAttempts of
// zero falls back to the policy limit.
func (p *RetryPolicy) Decide(attemptCount, maxAttempts int, now time.Time) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}
	if attemptCount >= maxAttempts {
		return Decision{}
	}
	delay := p.Backoff(attemptCount)
	return Decision{Retry: true, Delay: delay, NextAt: now.Add(delay)}
}
