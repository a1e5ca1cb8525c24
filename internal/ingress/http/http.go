// Package http implements IngressHTTP (C10): a small HTTP surface that
// accepts Prometheus/text metric payloads pushed from outside the agent.
// Connection accept and per-connection readability are driven by
// EventLoop (C1), the same epoll rendez-vous DomainIngress (C11) uses,
// rather than the stdlib net/http server — this is the one surface the
// original design explicitly routes through the shared event loop.
package http

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"argusagent/internal/channel"
	"argusagent/internal/eventloop"
	"argusagent/internal/metric"
	"argusagent/internal/netendpoint"

	"github.com/prometheus/common/expfmt"
)

// DefaultAddr is the documented default bind address.
const DefaultAddr = "127.0.0.1:15777"

// DefaultMaxConns bounds concurrently accepted connections.
const DefaultMaxConns = 100

// Server is the IngressHTTP implementation.
type Server struct {
	log     *slog.Logger
	loop    *eventloop.Loop
	channel *channel.Manager
	outputs []channel.Output

	ln       *netendpoint.Listener
	maxConns int
	conns    atomic.Int64
}

// New builds a Server. outputs names the sinks every received metric is
// forwarded to.
func New(log *slog.Logger, loop *eventloop.Loop, ch *channel.Manager, outputs []channel.Output, maxConns int) *Server {
	if log == nil {
		log = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{log: log.With("component", "ingress_http"), loop: loop, channel: ch, outputs: outputs, maxConns: maxConns}
}

// Listen binds addr ("ip:port") and registers the accept handler with the
// event loop.
func (s *Server) Listen(addr string) error {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("ingress_http: bad port %q: %w", portStr, err)
	}
	ln, err := netendpoint.Listen("tcp", host, port, 128)
	if err != nil {
		return err
	}
	s.ln = ln

	fd := ln.Fd()
	if fd < 0 {
		ln.Close()
		return fmt.Errorf("ingress_http: listener exposes no fd for event loop registration")
	}
	_, err = s.loop.Register(fd, eventloop.HandlerFunc(s.onAcceptable))
	return err
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", fmt.Errorf("ingress_http: address %q must be host:port", addr)
	}
	return addr[:i], addr[i+1:], nil
}

func (s *Server) onAcceptable(eventloop.Key) {
	ep, err := s.ln.Accept()
	if err != nil {
		s.log.Debug("ingress_http: accept failed", "error", err)
		return
	}

	if s.conns.Add(1) > int64(s.maxConns) {
		s.conns.Add(-1)
		_, _ = ep.Send([]byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 23\r\n\r\nmax connections reached"))
		ep.Shutdown()
		return
	}

	fd := ep.Fd()
	if fd < 0 {
		s.conns.Add(-1)
		ep.Shutdown()
		return
	}
	var key eventloop.Key
	key, err = s.loop.Register(fd, eventloop.HandlerFunc(func(eventloop.Key) {
		defer func() {
			s.loop.Unregister(key)
			s.conns.Add(-1)
			ep.Shutdown()
		}()
		if err := s.handleOne(ep); err != nil {
			s.log.Debug("ingress_http: connection error", "error", err)
		}
	}))
	if err != nil {
		s.conns.Add(-1)
		ep.Shutdown()
	}
}

// handleOne reads and answers exactly one request, matching the "one
// receive per connection" contract.
func (s *Server) handleOne(ep *netendpoint.Endpoint) error {
	buf := make([]byte, 64<<10)
	n, err := ep.Recv(buf)
	if err != nil || n == 0 {
		return err
	}

	reqLine, headers, body, err := parseRequest(buf[:n])
	if err != nil {
		_, _ = ep.Send([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		return nil
	}

	path := reqLine
	tags, err := parsePath(path)
	if err != nil {
		_, _ = ep.Send([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		return nil
	}
	_ = headers

	metrics, err := decodeBody(body)
	if err != nil {
		_, _ = ep.Send([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		return nil
	}
	for i := range metrics {
		for k, v := range tags {
			metrics[i] = metrics[i].WithLabel(k, v)
		}
	}
	if len(metrics) > 0 {
		s.channel.Send(s.outputs, metric.Batch{TaskID: "ingress-http", Metrics: metrics})
	}

	_, _ = ep.Send([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	return nil
}

// parseRequest extracts the request-line path, headers, and body from a
// raw HTTP/1.x request already fully buffered (IngressHTTP expects small,
// single-shot pushes, not chunked streaming).
func parseRequest(raw []byte) (path string, headers map[string]string, body []byte, err error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", nil, nil, err
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", nil, nil, fmt.Errorf("ingress_http: malformed request line")
	}
	path = parts[1]

	headers = make(map[string]string)
	for {
		hline, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		hline = strings.TrimRight(hline, "\r\n")
		if hline == "" {
			break
		}
		if i := strings.IndexByte(hline, ':'); i > 0 {
			headers[strings.ToLower(strings.TrimSpace(hline[:i]))] = strings.TrimSpace(hline[i+1:])
		}
	}
	rest, _ := reader.Peek(reader.Buffered())
	body = rest
	return path, headers, body, nil
}

// parsePath parses the /(metrics|shennong)/(key/value)* grammar into a
// tag map. Keys ending in "@base64" carry base64-encoded UTF-8 values.
func parsePath(path string) (map[string]string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return nil, fmt.Errorf("ingress_http: empty path")
	}
	root := segments[0]
	if root != "metrics" && root != "shennong" {
		return nil, fmt.Errorf("ingress_http: unknown route %q", root)
	}
	rest := segments[1:]
	if len(rest)%2 != 0 {
		return nil, fmt.Errorf("ingress_http: key/value path segments must come in pairs")
	}

	tags := make(map[string]string, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		key := rest[i]
		value := rest[i+1]
		if strings.HasSuffix(key, "@base64") {
			key = strings.TrimSuffix(key, "@base64")
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("ingress_http: bad base64 for key %q: %w", key, err)
			}
			value = string(decoded)
		}
		tags[key] = value
	}
	return tags, nil
}

// decodeBody parses a Prometheus text-exposition body.
func decodeBody(body []byte) ([]metric.Metric, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var metrics []metric.Metric
	for name, family := range families {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			value := 0.0
			switch {
			case m.Gauge != nil:
				value = m.GetGauge().GetValue()
			case m.Counter != nil:
				value = m.GetCounter().GetValue()
			case m.Untyped != nil:
				value = m.GetUntyped().GetValue()
			}
			metrics = append(metrics, metric.Metric{Name: name, Value: value, Labels: labels, Kind: metric.KindGauge})
		}
	}
	return metrics, nil
}

// Close releases the listening socket.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
