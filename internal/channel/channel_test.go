package channel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/metric"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	name string
	fail atomic.Bool

	mu  sync.Mutex
	got []metric.Batch
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, b metric.Batch) error {
	if f.fail.Load() {
		return errors.New("boom")
	}
	f.mu.Lock()
	f.got = append(f.got, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	m := channel.New(nil)
	defer m.Close()
	require.NoError(t, m.Register(context.Background(), "a", &fakeSink{name: "a"}))
	require.Error(t, m.Register(context.Background(), "a", &fakeSink{name: "a"}))
}

func TestSendDeliversToNamedSink(t *testing.T) {
	m := channel.New(nil)
	defer m.Close()
	fs := &fakeSink{name: "a"}
	require.NoError(t, m.Register(context.Background(), "a", fs))

	m.Send([]channel.Output{{SinkName: "a"}}, metric.Batch{TaskID: "t1"})

	require.Eventually(t, func() bool { return fs.count() == 1 }, time.Second, time.Millisecond)
}

func TestSendIgnoresUnknownSink(t *testing.T) {
	m := channel.New(nil)
	defer m.Close()
	m.Send([]channel.Output{{SinkName: "missing"}}, metric.Batch{})
}

func TestPoisonAfterSustainedFailure(t *testing.T) {
	m := channel.New(nil)
	defer m.Close()
	fs := &fakeSink{name: "a"}
	fs.fail.Store(true)
	require.NoError(t, m.Register(context.Background(), "a", fs))

	for i := 0; i < 12; i++ {
		m.Send([]channel.Output{{SinkName: "a"}}, metric.Batch{})
	}

	require.Eventually(t, func() bool { return m.Poisoned("a") }, time.Second, time.Millisecond)

	m.Unpoison("a")
	require.False(t, m.Poisoned("a"))
}
