package script_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/schedule/script"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	name string
	n    atomic.Int64
	last atomic.Value
}

func (c *captureSink) Name() string { return c.name }
func (c *captureSink) Send(_ context.Context, b metric.Batch) error {
	if b.TaskID == "script_scheduler" {
		return nil // per-tick scheduler status, not a task's own result
	}
	c.n.Add(1)
	c.last.Store(b)
	return nil
}
func (c *captureSink) Close() error { return nil }

func TestScriptTaskRawFormatProducesExitCodeMetric(t *testing.T) {
	reg := registry.New()
	_, err := reg.Swap(registry.FamilyScript, map[string]registry.Task{
		"ok": registry.ScriptTask{
			ID: "ok", Command: "echo hello", Interval: 50 * time.Millisecond,
			Timeout: time.Second, ResultFormat: registry.FormatRaw,
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := script.New(nil, reg, ch, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScriptTaskOutputOverflowIsKilledEarly(t *testing.T) {
	reg := registry.New()
	_, err := reg.Swap(registry.FamilyScript, map[string]registry.Task{
		// "yes" never exits on its own; without overflow detection this
		// task would occupy its slot for the full 5s Timeout.
		"firehose": registry.ScriptTask{
			ID: "firehose", Command: "yes", Interval: 10 * time.Second,
			Timeout: 5 * time.Second, ResultFormat: registry.FormatRaw,
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := script.New(nil, reg, ch, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// A batch arriving well before the 5s Timeout is evidence the overflow
	// watcher killed the process early rather than letting it run to its
	// deadline.
	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScriptTaskTimeoutIsKilled(t *testing.T) {
	reg := registry.New()
	_, err := reg.Swap(registry.FamilyScript, map[string]registry.Task{
		"hang": registry.ScriptTask{
			ID: "hang", Command: "sleep 5", Interval: 10 * time.Second,
			Timeout: 50 * time.Millisecond, ResultFormat: registry.FormatRaw,
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := script.New(nil, reg, ch, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}
