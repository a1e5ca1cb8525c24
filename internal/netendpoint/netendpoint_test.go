package netendpoint_test

import (
	"testing"
	"time"

	"argusagent/internal/agenterrors"
	"argusagent/internal/netendpoint"

	"github.com/stretchr/testify/require"
)

func TestTCPListenAcceptRoundTrip(t *testing.T) {
	ln, err := netendpoint.Listen("tcp", "127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv, err := ln.Accept()
		require.NoError(t, err)
		defer srv.Shutdown()
		buf := make([]byte, 5)
		n, err := srv.Recv(buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf[:n]))
		_, err = srv.Send([]byte("world"))
		require.NoError(t, err)
	}()

	cli, err := netendpoint.Connect(netendpoint.KindTCP, addr, time.Second)
	require.NoError(t, err)
	defer cli.Shutdown()

	_, err = cli.Send([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := cli.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
	<-done
}

func TestConnectRefusedIsEConn(t *testing.T) {
	_, err := netendpoint.Connect(netendpoint.KindTCP, "127.0.0.1:1", 200*time.Millisecond)
	require.Error(t, err)
	require.True(t, agenterrors.Is(err, agenterrors.EConn))
}

func TestShutdownIsIdempotent(t *testing.T) {
	ln, err := netendpoint.Listen("tcp", "127.0.0.1", 0, 16)
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		srv, err := ln.Accept()
		if err == nil {
			srv.Shutdown()
		}
	}()

	cli, err := netendpoint.Connect(netendpoint.KindTCP, addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, cli.Shutdown())
	require.NoError(t, cli.Shutdown())

	_, err = cli.Send([]byte("x"))
	require.Error(t, err)

	ln.Close()
}

func TestUnixSocketRoundTrip(t *testing.T) {
	sock := t.TempDir() + "/ep.sock"
	ln, err := netendpoint.Listen("unix", sock, 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		srv, err := ln.Accept()
		require.NoError(t, err)
		defer srv.Shutdown()
		buf := make([]byte, 2)
		n, _ := srv.Recv(buf)
		srv.Send(buf[:n])
	}()

	cli, err := netendpoint.Connect(netendpoint.KindUnix, sock, time.Second)
	require.NoError(t, err)
	defer cli.Shutdown()
	_, err = cli.Send([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := cli.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}
