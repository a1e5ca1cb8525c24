package scrape_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/schedule/scrape"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	name string
	n    atomic.Int64
}

func (c *captureSink) Name() string { return c.name }
func (c *captureSink) Send(_ context.Context, b metric.Batch) error {
	if b.TaskID == "scrape_scheduler" {
		return nil // per-tick scheduler status, not a scrape's own result
	}
	c.n.Add(1)
	return nil
}
func (c *captureSink) Close() error { return nil }

func TestScrapePromDecodesMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	reg := registry.New()
	_, err := reg.Swap(registry.FamilyScrape, map[string]registry.Task{
		"node": registry.ScrapeTask{
			ID: "node", Target: srv.URL, Path: "/metrics", Interval: 50 * time.Millisecond,
			Timeout: time.Second, Type: registry.ScrapeProm, EmitStatus: true,
			Outputs: []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := scrape.New(nil, reg, ch, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScrapeFailoverAdvancesActiveIndex(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("up 1\n"))
	}))
	defer good.Close()

	reg := registry.New()
	_, err := reg.Swap(registry.FamilyScrape, map[string]registry.Task{
		"node": registry.ScrapeTask{
			ID:       "node",
			Target:   "http://127.0.0.1:1," + good.URL,
			Path:     "/metrics",
			Interval: 50 * time.Millisecond,
			Timeout:  300 * time.Millisecond,
			Type:     registry.ScrapeProm,
			Outputs:  []registry.Output{{Sink: "out"}},
		},
	})
	require.NoError(t, err)

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	sched := scrape.New(nil, reg, ch, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}
