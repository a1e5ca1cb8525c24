package http_test

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/eventloop"
	ingresshttp "argusagent/internal/ingress/http"
	"argusagent/internal/metric"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	name string
	n    atomic.Int64
	last atomic.Value
}

func (c *captureSink) Name() string { return c.name }
func (c *captureSink) Send(_ context.Context, b metric.Batch) error {
	c.n.Add(1)
	c.last.Store(b)
	return nil
}
func (c *captureSink) Close() error { return nil }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestIngressHTTPParsesTagsAndBody(t *testing.T) {
	loop, err := eventloop.New(nil, 5*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	defer loop.Shutdown()

	ch := channel.New(nil)
	defer ch.Close()
	sink := &captureSink{name: "out"}
	require.NoError(t, ch.Register(context.Background(), "out", sink))

	srv := ingresshttp.New(nil, loop, ch, []channel.Output{{SinkName: "out"}}, 10)
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.NoError(t, srv.Listen(addr))
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	body := "up 1\n"
	req := fmt.Sprintf("POST /metrics/host/web01 HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200 OK")

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, time.Second, 10*time.Millisecond)
	batch := sink.last.Load().(metric.Batch)
	require.Len(t, batch.Metrics, 1)
	require.Equal(t, "web01", batch.Metrics[0].Labels["host"])
}
