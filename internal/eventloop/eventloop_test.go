package eventloop_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"argusagent/internal/eventloop"

	"github.com/stretchr/testify/require"
)

// fdPair returns a connected pair of raw socket fds that the test can drive
// directly, since eventloop operates on fds rather than net.Conn.
func fdPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterFiresOnReadable(t *testing.T) {
	loop, err := eventloop.New(nil, time.Millisecond)
	require.NoError(t, err)

	r, w := fdPair(t)

	fired := make(chan struct{}, 1)
	_, err = loop.Register(r, eventloop.HandlerFunc(func(eventloop.Key) {
		var buf [8]byte
		syscall.Read(r, buf[:])
		select {
		case fired <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	defer loop.Shutdown()

	_, err = syscall.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected handler to fire on readable fd")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	loop, err := eventloop.New(nil, time.Millisecond)
	require.NoError(t, err)
	loop.Unregister(eventloop.Key(9999))
	loop.Unregister(eventloop.Key(9999))
}

func TestRegisterRejectsInvalidFd(t *testing.T) {
	loop, err := eventloop.New(nil, time.Millisecond)
	require.NoError(t, err)
	_, err = loop.Register(-1, eventloop.HandlerFunc(func(eventloop.Key) {}))
	require.Error(t, err)
}

func TestShutdownStopsRun(t *testing.T) {
	loop, err := eventloop.New(nil, time.Millisecond)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	loop.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
