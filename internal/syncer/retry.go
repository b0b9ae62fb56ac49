package syncer

import "time"

// RetryPolicy bounds automatic retries of operations that failed with a
// network-class error.
type RetryPolicy struct {
	// MaxAttempts is the number of failed attempts after which an operation
	// is marked failed. Zero means unbounded.
	MaxAttempts int

	// BaseDelay is the backoff after the first failed run.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries forever with a backoff between 5s and 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 5 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Exhausted reports whether an operation that has failed attempts times
// must stop being retried.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff returns the wait after the given number of consecutive failed
// runs: BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
