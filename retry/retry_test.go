package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/schema"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	p := Policy{}.Normalize()
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	require.Equal(t, DefaultBaseWait, p.BaseWait)
	require.Equal(t, DefaultMaxWait, p.MaxWait)

	custom := Policy{MaxAttempts: 5, BaseWait: 2 * time.Second}.Normalize()
	require.Equal(t, 5, custom.MaxAttempts)
	require.Equal(t, 2*time.Second, custom.BaseWait)
	require.Equal(t, DefaultMaxWait, custom.MaxWait)
}

func TestBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseWait: time.Second, MaxWait: 4 * time.Second}

	// the first attempt never waits
	require.Equal(t, time.Duration(0), p.Backoff(1))

	// exponential growth from the base wait, within 10% jitter
	for attempt, base := range map[int]time.Duration{
		2: time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
		5: 4 * time.Second, // capped at MaxWait
	} {
		backoff := p.Backoff(attempt)
		require.GreaterOrEqual(t, backoff, base, "attempt %d", attempt)
		require.LessOrEqual(t, backoff, base+base/10, "attempt %d", attempt)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseWait: time.Minute, MaxWait: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Wait(ctx, 2)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(&conductor.AgentError{Agent: "a", Err: errors.New("boom")}))
	require.True(t, Retryable(&conductor.AgentError{Agent: "a", Timeout: true, Err: context.DeadlineExceeded}))
	require.True(t, Retryable(&schema.ValidationError{Violations: []string{"bad"}}))

	// wrapping preserves retryability
	wrapped := fmt.Errorf("step failed: %w", &conductor.AgentError{Agent: "a", Err: errors.New("x")})
	require.True(t, Retryable(wrapped))

	require.False(t, Retryable(errors.New("plain")))
	require.False(t, Retryable(context.Canceled))
}
