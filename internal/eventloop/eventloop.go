// Package eventloop implements EventLoop (C1): a single-threaded
// readable-fd demultiplexer built on epoll. IngressHTTP and DomainIngress
// register descriptors here instead of spawning a reader goroutine each.
// ICMP ping replies are not read through this loop: an ICMP endpoint
// exposes no fd, and the probe scheduler reads them on one goroutine per
// destination.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Handler reacts to readability on a registered descriptor.
type Handler interface {
	OnReadable(key Key)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(key Key)

func (f HandlerFunc) OnReadable(key Key) { f(key) }

// Key identifies one registration. Stable across Register/Unregister
// cycles so handlers can re-register without fd reuse ambiguity.
type Key int64

// LongHandlerThreshold is the minimum handler runtime that triggers a
// warning log entry.
const LongHandlerThreshold = 50 * time.Millisecond

// DefaultPollTimeout is used when Loop is constructed via New.
const DefaultPollTimeout = 10 * time.Millisecond

type registration struct {
	fd      int
	handler Handler
}

// Loop is the epoll-backed single-threaded demultiplexer.
type Loop struct {
	log         *slog.Logger
	pollTimeout time.Duration

	epfd int

	mu      sync.Mutex
	regs    map[Key]*registration
	fdToKey map[int]Key
	nextKey int64

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New creates a Loop. Fatal only if epoll_create1 fails (demultiplexer
// creation failure is the sole fatal case per contract); every other
// failure surfaces as a logged warning and the loop continues.
func New(log *slog.Logger, pollTimeout time.Duration) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		log:         log,
		pollTimeout: pollTimeout,
		epfd:        epfd,
		regs:        make(map[Key]*registration),
		fdToKey:     make(map[int]Key),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Register adds fd to the poll set. Idempotent for a given fd: a second
// Register call for an fd already registered updates its handler in place
// and returns the existing key.
func (l *Loop) Register(fd int, h Handler) (Key, error) {
	if fd < 0 {
		return 0, fmt.Errorf("eventloop: invalid fd %d", fd)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if k, ok := l.fdToKey[fd]; ok {
		l.regs[k].handler = h
		return k, nil
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return 0, fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}

	l.nextKey++
	key := Key(l.nextKey)
	l.regs[key] = &registration{fd: fd, handler: h}
	l.fdToKey[fd] = key
	return key, nil
}

// Unregister removes a registration. Idempotent: unregistering an unknown
// key is a no-op.
func (l *Loop) Unregister(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unregisterLocked(key)
}

func (l *Loop) unregisterLocked(key Key) {
	reg, ok := l.regs[key]
	if !ok {
		return
	}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
	delete(l.regs, key)
	delete(l.fdToKey, reg.fd)
}

// Run blocks, polling and dispatching until Shutdown is called or ctx is
// cancelled. Spurious wakeups (EINTR) and empty poll results are silently
// looped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	events := make([]unix.EpollEvent, 64)
	timeoutMs := int(l.pollTimeout / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1
	}

	for {
		select {
		case <-l.shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Warn("eventloop poll failed", "error", err)
			continue
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			l.mu.Lock()
			key, ok := l.fdToKey[fd]
			var h Handler
			if ok {
				h = l.regs[key].handler
			}
			l.mu.Unlock()
			if !ok || h == nil {
				continue
			}

			if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
				l.log.Debug("eventloop: fd reported hangup, unregistering", "fd", fd)
				l.Unregister(key)
			}

			start := time.Now()
			h.OnReadable(key)
			if elapsed := time.Since(start); elapsed >= LongHandlerThreshold {
				l.log.Warn("eventloop: handler exceeded budget", "key", key, "fd", fd, "elapsed", elapsed)
			}
		}
	}
}

// Shutdown stops Run and releases the epoll fd. Safe to call more than
// once.
func (l *Loop) Shutdown() {
	l.once.Do(func() {
		close(l.shutdown)
	})
	<-l.done
	l.mu.Lock()
	_ = unix.Close(l.epfd)
	l.mu.Unlock()
}
