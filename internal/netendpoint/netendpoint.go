// Package netendpoint implements NetEndpoint (C2): a polymorphic transport
// abstraction over TCP, UDP, Unix-domain sockets, and ICMP, with per-endpoint
// timeouts and guaranteed release of OS resources on every exit path.
package netendpoint

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"argusagent/internal/agenterrors"
)

// Kind identifies the transport variant backing an Endpoint.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindUnix
	KindICMP
)

// DefaultTimeout is the per-endpoint Send/Recv/Connect deadline unless
// overridden.
const DefaultTimeout = 3 * time.Second

// Endpoint wraps one transport connection. Endpoints are not copyable:
// always pass *Endpoint.
type Endpoint struct {
	kind    Kind
	timeout time.Duration

	mu     sync.Mutex
	closed bool

	conn     net.Conn       // TCP, UDP (connected), Unix
	icmpConn *icmp.PacketConn // ICMP raw socket
	icmpDst  net.Addr
}

// Listener accepts new connection-oriented Endpoints (TCP or Unix).
type Listener struct {
	kind Kind
	ln   net.Listener
}

// Listen opens a listening socket. network is "tcp" or "unix"; for "tcp",
// host/port form the address, for "unix" host is the socket path.
func Listen(network, host string, port int, backlog int) (*Listener, error) {
	var addr string
	var kind Kind
	switch network {
	case "tcp":
		addr = fmt.Sprintf("%s:%d", host, port)
		kind = KindTCP
	case "unix":
		addr = host
		kind = KindUnix
	default:
		return nil, agenterrors.New(agenterrors.EConn, "Listen", fmt.Errorf("unsupported network %q", network))
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, agenterrors.New(agenterrors.EConn, "Listen", err)
	}
	if tl, ok := ln.(*net.TCPListener); ok && backlog > 0 {
		_ = tl // backlog is set by the OS listen(2) call Go already issues
	}
	return &Listener{kind: kind, ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks until a new connection arrives or the listener is closed.
func (l *Listener) Accept() (*Endpoint, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, agenterrors.New(agenterrors.EConn, "Accept", err)
	}
	return &Endpoint{kind: l.kind, timeout: DefaultTimeout, conn: c}, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error { return l.ln.Close() }

// Fd returns the listening socket's file descriptor for EventLoop
// registration, or -1 if the underlying listener doesn't expose one.
func (l *Listener) Fd() int {
	sc, ok := l.ln.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(p uintptr) { fd = int(p) })
	return fd
}

// Connect dials a remote endpoint. For KindICMP, remote is the destination
// IPv4 address and no connection is established (ICMP is connectionless);
// Send writes to that destination and SendTo to an explicit address.
func Connect(kind Kind, remote string, timeout time.Duration) (*Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch kind {
	case KindTCP:
		c, err := net.DialTimeout("tcp", remote, timeout)
		if err != nil {
			return nil, classifyDial(err)
		}
		return &Endpoint{kind: kind, timeout: timeout, conn: c}, nil
	case KindUDP:
		c, err := net.DialTimeout("udp", remote, timeout)
		if err != nil {
			return nil, classifyDial(err)
		}
		return &Endpoint{kind: kind, timeout: timeout, conn: c}, nil
	case KindUnix:
		c, err := net.DialTimeout("unix", remote, timeout)
		if err != nil {
			return nil, classifyDial(err)
		}
		return &Endpoint{kind: kind, timeout: timeout, conn: c}, nil
	case KindICMP:
		return OpenICMP(remote, timeout, 64<<10)
	default:
		return nil, agenterrors.New(agenterrors.EConn, "Connect", fmt.Errorf("unknown kind %d", kind))
	}
}

// OpenICMP opens an unprivileged ICMP datagram socket ("udp4" network, not
// a raw socket) and records the destination address Send writes to.
// recvBufSize is not applied: the socket keeps the system default receive
// buffer. A timeout <= 0 uses DefaultTimeout.
func OpenICMP(destination string, timeout time.Duration, recvBufSize int) (*Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0") // non-privileged ICMP datagram socket
	if err != nil {
		return nil, agenterrors.New(agenterrors.EConn, "OpenICMP", err)
	}
	if pc := conn.IPv4PacketConn(); pc != nil {
		_ = pc.SetControlMessage(ipv4.FlagTTL, true)
	}
	dst, err := net.ResolveIPAddr("ip4", destination)
	if err != nil {
		conn.Close()
		return nil, agenterrors.New(agenterrors.EConn, "OpenICMP", err)
	}
	return &Endpoint{
		kind:     KindICMP,
		timeout:  timeout,
		icmpConn: conn,
		icmpDst:  &net.UDPAddr{IP: dst.IP},
	}, nil
}

func classifyDial(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return agenterrors.New(agenterrors.ETimeout, "Connect", err)
	}
	return agenterrors.New(agenterrors.EConn, "Connect", err)
}

// Send writes buf, honoring the endpoint's timeout. Returns the number of
// bytes written.
func (e *Endpoint) Send(buf []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, agenterrors.New(agenterrors.EConn, "Send", errClosed)
	}
	e.mu.Unlock()

	if e.kind == KindICMP {
		n, err := e.icmpConn.WriteTo(buf, e.icmpDst)
		if err != nil {
			return 0, agenterrors.New(agenterrors.EIO, "Send", err)
		}
		return n, nil
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	n, err := e.conn.Write(buf)
	if err != nil {
		return n, classifyIOErr(err)
	}
	return n, nil
}

// SendTo writes buf to an explicit address; valid only for ICMP endpoints.
func (e *Endpoint) SendTo(addr net.Addr, buf []byte) (int, error) {
	if e.kind != KindICMP {
		return 0, agenterrors.New(agenterrors.EConn, "SendTo", fmt.Errorf("SendTo is only valid for ICMP endpoints"))
	}
	n, err := e.icmpConn.WriteTo(buf, addr)
	if err != nil {
		return 0, agenterrors.New(agenterrors.EIO, "SendTo", err)
	}
	return n, nil
}

// Recv reads into buf. For UDP, Recv is non-blocking up to the endpoint's
// configured wait bound: on timeout it returns (0, nil), not an error, so
// callers (e.g. TlvCodec) treat it as Incomplete rather than EOF.
func (e *Endpoint) Recv(buf []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, agenterrors.New(agenterrors.EConn, "Recv", errClosed)
	}
	e.mu.Unlock()

	if e.kind == KindICMP {
		_ = e.icmpConn.SetReadDeadline(time.Now().Add(e.timeout))
		n, _, err := e.icmpConn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil
			}
			return 0, agenterrors.New(agenterrors.EIO, "Recv", err)
		}
		return n, nil
	}

	_ = e.conn.SetReadDeadline(time.Now().Add(e.timeout))
	n, err := e.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() && e.kind == KindUDP {
			return 0, nil
		}
		return n, classifyIOErr(err)
	}
	return n, nil
}

// RecvFrom reads one ICMP datagram and returns its source address.
func (e *Endpoint) RecvFrom(buf []byte) (int, net.Addr, error) {
	if e.kind != KindICMP {
		return 0, nil, agenterrors.New(agenterrors.EConn, "RecvFrom", fmt.Errorf("RecvFrom is only valid for ICMP endpoints"))
	}
	_ = e.icmpConn.SetReadDeadline(time.Now().Add(e.timeout))
	n, addr, err := e.icmpConn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, agenterrors.New(agenterrors.ETimeout, "RecvFrom", err)
		}
		return 0, nil, agenterrors.New(agenterrors.EIO, "RecvFrom", err)
	}
	return n, addr, nil
}

// Fd returns the underlying file descriptor for registration with an
// EventLoop, or -1 if the connection does not expose one. ICMP endpoints
// never expose one: the probe scheduler drives them via blocking Recv on a
// dedicated goroutine instead of epoll registration.
func (e *Endpoint) Fd() int {
	if e.conn == nil {
		return -1
	}
	sc, ok := e.conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(p uintptr) { fd = int(p) })
	return fd
}

// Shutdown releases the endpoint's OS resources. Safe to call more than
// once; only the first call has effect.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.icmpConn != nil {
		return e.icmpConn.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Conn exposes the underlying net.Conn for callers (e.g. the event loop)
// that need direct fd access. Returns nil for ICMP endpoints.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// ICMPConn exposes the underlying ICMP packet connection.
func (e *Endpoint) ICMPConn() *icmp.PacketConn { return e.icmpConn }

func classifyIOErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return agenterrors.New(agenterrors.ETimeout, "Recv/Send", err)
	}
	return agenterrors.New(agenterrors.EIO, "Recv/Send", err)
}

var errClosed = fmt.Errorf("netendpoint: operation on a shut endpoint")
