package resourcemon_test

import (
	"strings"
	"testing"
	"time"

	"argusagent/internal/resourcemon"

	"github.com/stretchr/testify/require"
)

func TestBeginEndRecordsDuration(t *testing.T) {
	m := resourcemon.New(5)
	h := m.Begin("cpu-collect")
	time.Sleep(5 * time.Millisecond)
	h.End()

	require.Empty(t, m.Running())
	require.Contains(t, m.PrintTop(5), "cpu-collect")
}

func TestPrintTopOrdersBySlowest(t *testing.T) {
	m := resourcemon.New(2)
	for _, d := range []struct {
		name string
		dur  time.Duration
	}{{"fast", time.Millisecond}, {"slow", 20 * time.Millisecond}, {"medium", 10 * time.Millisecond}} {
		h := m.Begin(d.name)
		time.Sleep(d.dur)
		h.End()
	}

	top := m.PrintTop(2)
	lines := strings.Split(strings.TrimSpace(top), "\n")
	require.Len(t, lines, 3) // header + 2 rows (topN=2 caps retained completions)
	require.Contains(t, lines[1], "slow")
}

func TestEndIsIdempotent(t *testing.T) {
	m := resourcemon.New(5)
	h := m.Begin("task")
	h.End()
	require.NotPanics(t, func() { h.End() })
}
