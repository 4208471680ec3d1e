package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, 5*time.Second, time.Minute)
	require.Equal(t, 5*time.Second, p.Backoff(1))
	require.Equal(t, 10*time.Second, p.Backoff(2))
	require.Equal(t, 20*time.Second, p.Backoff(3))
	require.Equal(t, time.Minute, p.Backoff(10))
	require.Equal(t, 5*time.Second, p.Backoff(0))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, time.Second, 0)
	require.True(t, p.ShouldRetry(1))
	require.True(t, p.ShouldRetry(2))
	require.False(t, p.ShouldRetry(3))
	require.Equal(t, 64*time.Second, p.Max)
}

func TestJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := ExponentialPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, time.Second, p.Base)
}
