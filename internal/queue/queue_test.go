package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPermanentUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("article missing")
	err := fmt.Errorf("process: %w", Permanent(base))

	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsPermanent(base))
	require.NoError(t, Permanent(nil))
}

func TestStatsTotal(t *testing.T) {
	t.Parallel()

	s := Stats{Waiting: 2, Active: 3, Delayed: 4, Completed: 5, Failed: 6}
	require.Equal(t, int64(5), s.Total())
}
