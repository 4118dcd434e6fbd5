package worker

import (
	"context"
	"time"
)

// RetryPolicy bounds local retries of transient failures by attempt count and
// by total wall-clock time.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		MaxElapsed:     30 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = defaults.MaxElapsed
	}
	return p
}

// Do calls op until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned.
func (p RetryPolicy) Do(
	ctx context.Context,
	op func(ctx context.Context, attempt int) error,
	retryable func(error) bool,
) error {
	policy := p.normalized()
	start := time.Now()
	delay := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(lastErr) || attempt == policy.MaxAttempts {
			return lastErr
		}
		if time.Since(start)+delay > policy.MaxElapsed {
			return lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if delay *= 2; delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}
	return lastErr
}
