// Package channel implements ChannelManager (C5): a name-to-sink registry
// that fans metric batches out to bounded, independently draining per-sink
// queues, with error-interval suppression and poisoning on sustained
// failure.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"argusagent/internal/agenterrors"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
)

// DefaultQueueCapacity is the per-sink bounded queue size used unless a
// sink is registered with an explicit override.
const DefaultQueueCapacity = 1000

// DefaultErrorInterval suppresses repeated identical errors from the same
// sink within this window.
const DefaultErrorInterval = time.Hour

// Sink is an output destination. Implementations must be safe for
// concurrent Send calls from a single consumer goroutine (the manager
// never calls Send concurrently for the same sink).
type Sink interface {
	Name() string
	Send(ctx context.Context, batch metric.Batch) error
	Close() error
}

// Output names the sink a batch is delivered to. It carries only the sink
// name; a task output's per-output configuration is not passed on.
type Output struct {
	SinkName string
}

// FromTaskOutputs adapts a task's registry.Output list to the Output form
// Send expects.
func FromTaskOutputs(outputs []registry.Output) []Output {
	out := make([]Output, len(outputs))
	for i, o := range outputs {
		out[i] = Output{SinkName: o.Sink}
	}
	return out
}

type entry struct {
	sink     Sink
	queue    chan metric.Batch
	cancel   context.CancelFunc
	done     chan struct{}
	poisoned atomic.Bool

	mu       sync.Mutex
	lastSeen map[string]time.Time // error message -> last log time
}

// Manager is the ChannelManager implementation.
type Manager struct {
	log *slog.Logger

	errorInterval time.Duration
	queueCap      int

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Manager. log receives consumer and poisoning
// diagnostics.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:           log.With("component", "channel"),
		errorInterval: DefaultErrorInterval,
		queueCap:      DefaultQueueCapacity,
		entries:       make(map[string]*entry),
	}
}

// Register adds a sink under name. Duplicate names are rejected.
func (m *Manager) Register(ctx context.Context, name string, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[name]; exists {
		return agenterrors.New(agenterrors.EConfig, "Register", fmt.Errorf("sink %q already registered", name))
	}

	cctx, cancel := context.WithCancel(ctx)
	e := &entry{
		sink:     sink,
		queue:    make(chan metric.Batch, m.queueCap),
		cancel:   cancel,
		done:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
	m.entries[name] = e
	go m.consume(cctx, name, e)
	return nil
}

// Get returns the sink registered under name, if any.
func (m *Manager) Get(name string) (Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// AllOutputs returns an Output for every currently registered sink, for
// broadcasting self-metrics that aren't tied to any one task's outputs[].
func (m *Manager) AllOutputs() []Output {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Output, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, Output{SinkName: name})
	}
	return out
}

// Send enqueues batch to every sink named in outputs. Over-capacity queues
// drop the batch (documented eviction policy: drop newest rather than
// block the producing scheduler). A poisoned sink silently drops.
func (m *Manager) Send(outputs []Output, batch metric.Batch) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, out := range outputs {
		e, ok := m.entries[out.SinkName]
		if !ok {
			m.log.Warn("channel: output references unknown sink", "sink", out.SinkName)
			continue
		}
		if e.poisoned.Load() {
			continue
		}
		select {
		case e.queue <- batch:
		default:
			m.log.Warn("channel: sink queue full, dropping batch", "sink", out.SinkName, "size", len(batch.Metrics))
		}
	}
}

// consume is the sustained per-sink drain goroutine.
func (m *Manager) consume(ctx context.Context, name string, e *entry) {
	defer close(e.done)
	const poisonThreshold = 10
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-e.queue:
			if !ok {
				return
			}
			if err := e.sink.Send(ctx, batch); err != nil {
				consecutiveFailures++
				m.logSuppressed(e, name, err)
				if consecutiveFailures >= poisonThreshold {
					e.poisoned.Store(true)
					m.log.Error("channel: sink poisoned after sustained failure", "sink", name, "consecutive_failures", consecutiveFailures)
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

// logSuppressed logs err at most once per DefaultErrorInterval for a given
// error message, tracking per-message last-seen time.
func (m *Manager) logSuppressed(e *entry, sinkName string, err error) {
	key := err.Error()
	e.mu.Lock()
	last, seen := e.lastSeen[key]
	now := time.Now()
	if seen && now.Sub(last) < m.errorInterval {
		e.mu.Unlock()
		return
	}
	e.lastSeen[key] = now
	e.mu.Unlock()
	m.log.Warn("channel: sink send failed", "sink", sinkName, "error", err)
}

// Poisoned reports whether the named sink has been poisoned.
func (m *Manager) Poisoned(name string) bool {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return e.poisoned.Load()
}

// Unpoison clears the poisoned flag, used when the caller changes a
// sink's configuration (e.g. ConfigWatcher re-registering it).
func (m *Manager) Unpoison(name string) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if ok {
		e.poisoned.Store(false)
	}
}

// Close cancels every sink's consumer goroutine, waits for it to exit, and
// closes each sink. Queued batches are not drained first: a consumer
// returns as soon as it sees the cancellation, so batches still queued at
// that point are dropped.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
	}
	m.mu.Unlock()

	var firstErr error
	for name, e := range entries {
		e.cancel()
		<-e.done
		if err := e.sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("channel: closing sink %q: %w", name, err)
		}
	}
	return firstErr
}
