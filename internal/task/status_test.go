package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_ValidPaths(t *testing.T) {
	to, err := Transition(StatusEnqueued, "admitted")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, to)

	to, err = Transition(StatusRunning, "complete")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, to)

	to, err = Transition(StatusWaitingToRetry, "backoffElapsed")
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, to)

	to, err = Transition(StatusPaused, "resume")
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, to)
}

func TestTransition_TerminalStatesAcceptNoEvents(t *testing.T) {
	for _, s := range []Status{StatusComplete, StatusNotFound, StatusFailed, StatusCanceled} {
		_, err := Transition(s, "cancel")
		require.Error(t, err)

		var illegal *ErrIllegalTransition
		require.ErrorAs(t, err, &illegal)
	}
}

func TestTransition_UnknownEventIsIllegal(t *testing.T) {
	_, err := Transition(StatusEnqueued, "bogus")
	require.Error(t, err)
}

func TestProgressSentinel(t *testing.T) {
	cases := []struct {
		status Status
		want   float64
	}{
		{StatusFailed, -1},
		{StatusCanceled, -2},
		{StatusNotFound, -3},
		{StatusWaitingToRetry, -4},
		{StatusPaused, -5},
		{StatusComplete, 1},
	}

	for _, c := range cases {
		got, ok := ProgressSentinel(c.status)
		require.True(t, ok, c.status)
		assert.Equal(t, c.want, got, c.status)
	}

	_, ok := ProgressSentinel(StatusRunning)
	assert.False(t, ok)
}

func TestRetryBackoff_MonotonicAndCapped(t *testing.T) {
	d0 := RetryBackoff(3, 3) // consumed = 0
	d1 := RetryBackoff(3, 2) // consumed = 1
	d2 := RetryBackoff(3, 1) // consumed = 2

	// Jitter is ±10%, so compare against the unjittered midpoints with slack.
	assert.InDelta(t, float64(2*time.Second), float64(d0), float64(2*time.Second)*0.15)
	assert.InDelta(t, float64(4*time.Second), float64(d1), float64(4*time.Second)*0.15)
	assert.InDelta(t, float64(8*time.Second), float64(d2), float64(8*time.Second)*0.15)

	dCap := RetryBackoff(10, 0) // consumed = 10, far past cap
	assert.LessOrEqual(t, dCap, 5*time.Minute+5*time.Minute/10)
}
