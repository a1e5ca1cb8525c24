// Package domain implements DomainIngress (C11): a UNIX-domain-socket
// listener (TCP fallback on platforms without UNIX sockets) that decodes
// a TLV stream (C3) and routes each packet's type id to a configured
// receive item.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/common/expfmt"

	"argusagent/internal/channel"
	"argusagent/internal/eventloop"
	"argusagent/internal/metric"
	"argusagent/internal/netendpoint"
	"argusagent/internal/tlv"
)

// ReceiveItem binds a TLV type id to a name and the sinks its decoded
// metrics are forwarded to.
type ReceiveItem struct {
	Name    string
	Outputs []channel.Output
}

// Server is the DomainIngress implementation.
type Server struct {
	log     *slog.Logger
	loop    *eventloop.Loop
	channel *channel.Manager
	items   map[tlv.Type]ReceiveItem

	ln *netendpoint.Listener
}

// New builds a Server routing TLV packets whose type matches a key in
// items; unmatched types are dropped with a warning.
func New(log *slog.Logger, loop *eventloop.Loop, ch *channel.Manager, items map[tlv.Type]ReceiveItem) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "ingress_domain"), loop: loop, channel: ch, items: items}
}

// Listen binds a UNIX domain socket at path, falling back to TCP on
// fallbackPort if UNIX sockets are unsupported on this platform.
func (s *Server) Listen(path string, fallbackPort int) error {
	ln, err := netendpoint.Listen("unix", path, 0, 128)
	if err != nil {
		s.log.Warn("ingress_domain: unix socket unavailable, falling back to tcp", "path", path, "error", err, "fallback_port", fallbackPort)
		ln, err = netendpoint.Listen("tcp", "127.0.0.1", fallbackPort, 128)
		if err != nil {
			return err
		}
	}
	s.ln = ln

	fd := ln.Fd()
	if fd < 0 {
		ln.Close()
		return fmt.Errorf("ingress_domain: listener exposes no fd for event loop registration")
	}
	_, err = s.loop.Register(fd, eventloop.HandlerFunc(s.onAcceptable))
	return err
}

func (s *Server) onAcceptable(eventloop.Key) {
	ep, err := s.ln.Accept()
	if err != nil {
		s.log.Debug("ingress_domain: accept failed", "error", err)
		return
	}

	fd := ep.Fd()
	if fd < 0 {
		ep.Shutdown()
		return
	}

	conn := &connState{srv: s, ep: ep}
	var key eventloop.Key
	key, err = s.loop.Register(fd, eventloop.HandlerFunc(func(eventloop.Key) {
		if !conn.onReadable() {
			s.loop.Unregister(key)
			ep.Shutdown()
		}
	}))
	if err != nil {
		ep.Shutdown()
	}
}

// connState carries one connection's in-progress TLV packet across
// multiple readability events (tlv.Recv's restartable State).
type connState struct {
	srv *Server
	ep  *netendpoint.Endpoint

	mu  sync.Mutex
	pkt tlv.Package
}

// onReadable advances the current packet by one Recv call, dispatching
// complete packets and starting a fresh one. Returns false when the
// connection should be torn down.
func (c *connState) onReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := tlv.Recv(c.ep, &c.pkt)
	if err != nil {
		return false
	}
	switch state {
	case tlv.StateIncomplete:
		return true
	case tlv.StateError:
		return false
	}

	c.srv.dispatch(c.pkt.Type, c.pkt.Value)
	c.pkt.Reset()
	return true
}

func (s *Server) dispatch(t tlv.Type, value []byte) {
	item, ok := s.items[t]
	if !ok {
		s.log.Warn("ingress_domain: unknown tlv type, dropping", "type", t)
		return
	}

	metrics, err := decode(t, value)
	if err != nil {
		s.log.Warn("ingress_domain: decode failed", "type", t, "item", item.Name, "error", err)
		return
	}
	if len(metrics) > 0 {
		s.channel.Send(item.Outputs, metric.Batch{TaskID: "ingress-domain:" + item.Name, Metrics: metrics})
	}
}

func decode(t tlv.Type, value []byte) ([]metric.Metric, error) {
	switch t {
	case tlv.TypeUTF8JSON:
		var flat map[string]float64
		if err := json.Unmarshal(value, &flat); err != nil {
			return nil, err
		}
		metrics := make([]metric.Metric, 0, len(flat))
		for name, v := range flat {
			metrics = append(metrics, metric.Metric{Name: name, Value: v, Kind: metric.KindGauge})
		}
		return metrics, nil
	default: // TypeBinary and the protobuf variants carry prom-text payloads today.
		var parser expfmt.TextParser
		families, err := parser.TextToMetricFamilies(bytes.NewReader(value))
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
				v := 0.0
				switch {
				case m.Gauge != nil:
					v = m.GetGauge().GetValue()
				case m.Counter != nil:
					v = m.GetCounter().GetValue()
				case m.Untyped != nil:
					v = m.GetUntyped().GetValue()
				}
				metrics = append(metrics, metric.Metric{Name: name, Value: v, Labels: labels, Kind: metric.KindGauge})
			}
		}
		return metrics, nil
	}
}

// Close releases the listening socket.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
