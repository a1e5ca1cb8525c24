package module_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/schedule/module"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	name string
	n    atomic.Int64
}

func (f *fakeSink) Name() string { return f.name }
func (f *fakeSink) Send(_ context.Context, _ metric.Batch) error {
	f.n.Add(1)
	return nil
}
func (f *fakeSink) Close() error { return nil }

func TestSchedulerDispatchesDueTasks(t *testing.T) {
	reg := registry.New()
	_, err := reg.Swap(registry.FamilyModule, map[string]registry.Task{
		"cpu": registry.ModuleTask{ID: "cpu", Interval: 50 * time.Millisecond, Outputs: []registry.Output{{Sink: "out"}}},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &fakeSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	var calls atomic.Int64
	collectors := module.Registry{
		"cpu": module.CollectorFunc(func(_ context.Context, _ registry.ModuleTask) ([]metric.Metric, error) {
			calls.Add(1)
			return []metric.Metric{{Name: "cpu_pct", Value: 1}}, nil
		}),
	}

	sched := module.New(nil, reg, collectors, ch, nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerSkipsUnknownCollector(t *testing.T) {
	reg := registry.New()
	_, err := reg.Swap(registry.FamilyModule, map[string]registry.Task{
		"mystery": registry.ModuleTask{ID: "mystery", Interval: 30 * time.Millisecond},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sched := module.New(nil, reg, module.Registry{}, ch, nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(100 * time.Millisecond) // no panic, no collector found
}
