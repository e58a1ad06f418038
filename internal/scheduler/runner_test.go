// ABOUTME: Tests for the fixed-interval runner
// ABOUTME: A panicking tick must not kill the loop

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerTicksOnInterval(t *testing.T) {
	var ticks atomic.Int64
	r := NewRunner(10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	}, nil)

	require.True(t, r.Start())
	assert.False(t, r.Start(), "second Start must report already running")

	require.Eventually(t, func() bool { return ticks.Load() >= 3 },
		time.Second, 5*time.Millisecond)

	require.True(t, r.Stop())
	assert.False(t, r.Stop(), "second Stop must report not running")
	assert.False(t, r.IsRunning())

	final := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, final, ticks.Load(), "no ticks after Stop")
}

func TestRunnerSurvivesPanickingTick(t *testing.T) {
	var ticks atomic.Int64
	r := NewRunner(10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
		panic("tick exploded")
	}, nil)

	require.True(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 },
		time.Second, 5*time.Millisecond)
	assert.True(t, r.IsRunning())
}
