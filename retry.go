package brainmessenger

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how an operation is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values < 1 mean one attempt.
	MaxAttempts int
	// Delay returns the wait before attempt n+1, given n failed attempts.
	Delay func(attempt int) time.Duration
	// Retryable reports whether err may succeed on another attempt.
	Retryable func(err error) bool
}

// FixedDelay waits d between every attempt.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialJitter doubles base per attempt up to max and then adds a
// uniform jitter in [-jitter, +jitter], never going below zero.
func ExponentialJitter(base, max, jitter time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(math.Min(
			float64(base)*math.Pow(2, float64(attempt-1)),
			float64(max),
		))
		if jitter > 0 {
			d += time.Duration((rand.Float64()*2 - 1) * float64(jitter))
		}
		if d < 0 {
			d = 0
		}
		return d
	}
}

// InitRetryPolicy is used while loading the session at startup.
func InitRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: FixedDelay(2 * time.Second), Retryable: IsTransient}
}

// WriteRetryPolicy is used for profile writes and token refreshes.
func WriteRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       ExponentialJitter(time.Second, 5*time.Second, time.Second),
		Retryable:   IsTransient,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

// Do runs fn until it succeeds, fails terminally, runs out of attempts or ctx
// is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
