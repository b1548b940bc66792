package webhooks

import "time"

// RetryPolicy controls backoff between failed processing attempts.
type RetryPolicy struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  30 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      time.Hour,
		MaxAttempts:   5,
	}
}

// NextDelay returns min(InitialDelay * BackoffFactor^attempts, MaxDelay),
// where attempts is the number of failures recorded before the current one.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	delay := float64(p.InitialDelay)
	limit := float64(p.MaxDelay)

	for i := 0; i < attempts && delay < limit; i++ {
		delay *= p.BackoffFactor
	}

	if delay > limit {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether an item with the given attempt count must stop retrying.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
