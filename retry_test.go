package brainmessenger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDo(t *testing.T) {
	transient := &APIError{Status: 503, Message: "unavailable"}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fastRetry(3).Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := fastRetry(3).Do(context.Background(), func(context.Context) error {
			calls++
			return transient
		})
		require.ErrorIs(t, err, transient)
		require.Equal(t, 3, calls)
	})

	t.Run("does not retry terminal errors", func(t *testing.T) {
		calls := 0
		err := fastRetry(3).Do(context.Background(), func(context.Context) error {
			calls++
			return &APIError{Status: 401, Message: "jwt expired"}
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("no retry", func(t *testing.T) {
		calls := 0
		_ = NoRetry().Do(context.Background(), func(context.Context) error {
			calls++
			return transient
		})
		require.Equal(t, 1, calls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := RetryPolicy{MaxAttempts: 5, Delay: FixedDelay(time.Hour), Retryable: IsTransient}
		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- p.Do(ctx, func(context.Context) error {
				calls++
				return transient
			})
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			require.True(t, errors.Is(err, transient))
			require.Equal(t, 1, calls)
		case <-time.After(time.Second):
			t.Fatal("Do did not return after cancel")
		}
	})
}

func TestExponentialJitter(t *testing.T) {
	delay := ExponentialJitter(time.Second, 5*time.Second, 0)
	require.Equal(t, time.Second, delay(1))
	require.Equal(t, 2*time.Second, delay(2))
	require.Equal(t, 4*time.Second, delay(3))
	require.Equal(t, 5*time.Second, delay(4))
	require.Equal(t, 5*time.Second, delay(10))

	jittered := ExponentialJitter(time.Second, 5*time.Second, time.Second)
	for i := 0; i < 100; i++ {
		d := jittered(1)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestDefaultPolicies(t *testing.T) {
	init := InitRetryPolicy()
	require.Equal(t, 3, init.MaxAttempts)
	require.Equal(t, 2*time.Second, init.Delay(1))

	write := WriteRetryPolicy()
	require.Equal(t, 3, write.MaxAttempts)
	require.True(t, write.Retryable(&APIError{Status: 500}))
	require.False(t, write.Retryable(&APIError{Status: 422}))
}
