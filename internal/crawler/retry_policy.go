package crawler

import (
	"math"
	"time"
)

// BackoffPolicy computes the delay before a failed job becomes eligible again.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    Jitter
}

// NewBackoffPolicy builds a policy; non-positive durations fall back to defaults.
func NewBackoffPolicy(baseDelay, maxDelay time.Duration, jitter Jitter) *BackoffPolicy {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &BackoffPolicy{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		jitter:    jitter,
	}
}

// Backoff returns the wait before attempt number retryCount (1-based) runs.
// Half the exponential delay is fixed and the other half is jittered.
func (p *BackoffPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(retryCount-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	if p.jitter == nil {
		return half * 2
	}
	return half + p.jitter.Between(0, half)
}

// RetryConfig bundles the retry knobs job stores apply on failure and on
// stale-retry sweeps.
type RetryConfig struct {
	Backoff        *BackoffPolicy
	Jitter         Jitter
	StaleJitterMin time.Duration
	StaleJitterMax time.Duration
}

// FailureDelay is the reschedule delay for a job that now has retryCount failures.
func (c RetryConfig) FailureDelay(retryCount int) time.Duration {
	if c.Backoff == nil {
		return 0
	}
	return c.Backoff.Backoff(retryCount)
}

// StaleDelay is an independent uniform delay for one stale-retried job.
func (c RetryConfig) StaleDelay() time.Duration {
	minDelay, maxDelay := c.StaleJitterMin, c.StaleJitterMax
	if minDelay <= 0 && maxDelay <= 0 {
		minDelay, maxDelay = time.Minute, 5*time.Minute
	}
	if c.Jitter == nil {
		return minDelay
	}
	return c.Jitter.Between(minDelay, maxDelay)
}
