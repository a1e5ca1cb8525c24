package domain_test

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"argusagent/internal/channel"
	"argusagent/internal/eventloop"
	ingressdomain "argusagent/internal/ingress/domain"
	"argusagent/internal/metric"
	"argusagent/internal/tlv"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	name string
	n    atomic.Int64
}

func (c *captureSink) Name() string                                { return c.name }
func (c *captureSink) Send(_ context.Context, _ metric.Batch) error { c.n.Add(1); return nil }
func (c *captureSink) Close() error                                 { return nil }

func TestDomainIngressRoutesKnownType(t *testing.T) {
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

	srv := ingressdomain.New(nil, loop, ch, map[tlv.Type]ingressdomain.ReceiveItem{
		tlv.TypeUTF8JSON: {Name: "agent-status", Outputs: []channel.Output{{SinkName: "out"}}},
	})
	sockPath := filepath.Join(t.TempDir(), "argus.sock")
	require.NoError(t, srv.Listen(sockPath, 0))
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(tlv.Serialize(tlv.TypeUTF8JSON, []byte(`{"up":1}`)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.n.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestDomainIngressDropsUnknownType(t *testing.T) {
	loop, err := eventloop.New(nil, 5*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	defer loop.Shutdown()

	ch := channel.New(nil)
	defer ch.Close()

	srv := ingressdomain.New(nil, loop, ch, map[tlv.Type]ingressdomain.ReceiveItem{})
	sockPath := filepath.Join(t.TempDir(), "argus.sock")
	require.NoError(t, srv.Listen(sockPath, 0))
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(tlv.Serialize(tlv.TypeBinary, []byte("unrouted")))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // no panic, just a dropped-with-warning path
}
