package window_test

import (
	"testing"
	"time"

	"argusagent/internal/window"

	"github.com/stretchr/testify/require"
)

func TestWindowEvictsStaleSamples(t *testing.T) {
	w := window.New(100 * time.Millisecond)
	now := time.Unix(0, 0)
	w.SetClock(func() time.Time { return now })

	w.Add(10 * time.Millisecond)
	now = now.Add(50 * time.Millisecond)
	w.Add(20 * time.Millisecond)
	require.Equal(t, 2, w.Len())

	now = now.Add(80 * time.Millisecond) // first sample now stale
	require.Equal(t, 1, w.Len())
	require.Equal(t, 20*time.Millisecond, w.Mean())
}

func TestWindowMinMaxMean(t *testing.T) {
	w := window.New(time.Minute)
	now := time.Unix(0, 0)
	w.SetClock(func() time.Time { return now })

	w.Add(10 * time.Millisecond)
	w.Add(30 * time.Millisecond)
	w.Add(20 * time.Millisecond)

	require.Equal(t, 10*time.Millisecond, w.Min())
	require.Equal(t, 30*time.Millisecond, w.Max())
	require.Equal(t, 20*time.Millisecond, w.Mean())
}

func TestEmptyWindow(t *testing.T) {
	w := window.New(time.Minute)
	require.Equal(t, 0, w.Len())
	require.Equal(t, time.Duration(0), w.Mean())
	require.Equal(t, time.Duration(0), w.Min())
	require.Equal(t, time.Duration(0), w.Max())
}
