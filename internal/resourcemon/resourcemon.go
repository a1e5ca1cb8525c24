// Package resourcemon implements ResourceMonitor (C12): an in-memory
// leaderboard of the top-N slowest recently-completed tasks plus a
// registry of currently-running ones, kept behind a single mutex and read
// through accessor methods (Running, PrintTop), and exposed as Prometheus
// gauges via client_golang alongside internal/sysmetrics.
package resourcemon

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTopN is how many slowest completions PrintTop reports by default.
const DefaultTopN = 20

// completion is one finished critical section's cost record.
type completion struct {
	Name     string
	Duration time.Duration
	At       time.Time
}

// Handle is returned by Begin and records the critical section's duration
// on End. Calling End more than once is a no-op.
type Handle struct {
	mon   *Monitor
	name  string
	start time.Time
	ended bool
}

// End records the elapsed time since Begin and removes the task from the
// running set.
func (h *Handle) End() {
	if h.ended {
		return
	}
	h.ended = true
	h.mon.finish(h.name, time.Since(h.start))
}

// Monitor is the ResourceMonitor implementation.
type Monitor struct {
	mu        sync.Mutex
	running   map[string]time.Time
	completed []completion
	topN      int

	longestDuration prometheus.Gauge
	runningGauge    prometheus.Gauge
}

// New builds a Monitor retaining up to topN slowest completions (<=0 uses
// DefaultTopN).
func New(topN int) *Monitor {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Monitor{
		running: make(map[string]time.Time),
		topN:    topN,
		longestDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_task_longest_duration_seconds",
			Help: "Duration of the slowest recently-completed task.",
		}),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_tasks_running",
			Help: "Number of critical sections currently in flight.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	m.longestDuration.Describe(ch)
	m.runningGauge.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	running := len(m.running)
	var longest time.Duration
	if len(m.completed) > 0 {
		longest = m.completed[0].Duration
	}
	m.mu.Unlock()

	m.runningGauge.Set(float64(running))
	m.longestDuration.Set(longest.Seconds())
	m.runningGauge.Collect(ch)
	m.longestDuration.Collect(ch)
}

// Begin marks name as started and returns a handle whose End records its
// duration.
func (m *Monitor) Begin(name string) *Handle {
	m.mu.Lock()
	m.running[name] = time.Now()
	m.mu.Unlock()
	return &Handle{mon: m, name: name, start: time.Now()}
}

func (m *Monitor) finish(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, name)
	m.completed = append(m.completed, completion{Name: name, Duration: d, At: time.Now()})
	sort.Slice(m.completed, func(i, j int) bool { return m.completed[i].Duration > m.completed[j].Duration })
	if len(m.completed) > m.topN {
		m.completed = m.completed[:m.topN]
	}
}

// Running returns the names of tasks currently in flight.
func (m *Monitor) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for name := range m.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PrintTop formats the top n slowest completions as a table, n<=0 uses
// the monitor's configured topN.
func (m *Monitor) PrintTop(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.completed) {
		n = len(m.completed)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %12s %s\n", "TASK", "DURATION", "COMPLETED AT")
	for _, c := range m.completed[:n] {
		fmt.Fprintf(&b, "%-40s %12s %s\n", c.Name, c.Duration, c.At.Format(time.RFC3339))
	}
	return b.String()
}
