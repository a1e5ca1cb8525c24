package probe_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/schedule/probe"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	name string
	n    atomic.Int64
}

func (c *captureSink) Name() string { return c.name }
func (c *captureSink) Send(_ context.Context, b metric.Batch) error {
	if b.TaskID == "probe_scheduler" {
		return nil // per-tick scheduler status, not a probe's own result
	}
	c.n.Add(1)
	return nil
}
func (c *captureSink) Close() error { return nil }

func TestTCPProbeEmitsConnectCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	reg := registry.New()
	_, err = reg.Swap(registry.FamilyProbe, map[string]registry.Task{
		"tcp1": registry.ProbeTask{
			ID: "tcp1", Kind: registry.ProbeTCP, Destination: ln.Addr().String(),
			Interval: 50 * time.Millisecond, Timeout: time.Second,
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := probe.New(nil, reg, ch, nil, 2)
	defer sched.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPProbeEmitsStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	reg := registry.New()
	_, err := reg.Swap(registry.FamilyProbe, map[string]registry.Task{
		"http1": registry.ProbeTask{
			ID: "http1", Kind: registry.ProbeHTTP, Destination: srv.URL,
			Interval: 50 * time.Millisecond, Timeout: time.Second, Keyword: "ok",
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := probe.New(nil, reg, ch, nil, 2)
	defer sched.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 4 }, 2*time.Second, 10*time.Millisecond)
}
