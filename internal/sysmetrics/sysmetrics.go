// Package sysmetrics tracks the agent's own process-level CPU and memory
// usage and exposes it as Prometheus gauges for ResourceMonitor (C12) to
// register alongside its top-N leaderboard.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
)

func init() {
	now := time.Now()
	utime, stime := getrusageTimes()
	mu.Lock()
	lastWall = now
	lastUser = utime
	lastSys = stime
	mu.Unlock()
}

// CPUPercent returns the process CPU usage as a percentage (0–100+)
// since the last call. Multi-core processes can exceed 100%.
func CPUPercent() float64 {
	now := time.Now()
	utime, stime := getrusageTimes()

	mu.Lock()
	defer mu.Unlock()

	wall := now.Sub(lastWall)
	if wall <= 0 {
		return lastCPU
	}

	cpuDelta := (utime - lastUser) + (stime - lastSys)
	pct := float64(cpuDelta) / float64(wall) * 100.0

	lastWall = now
	lastUser = utime
	lastSys = stime
	lastCPU = pct

	return pct
}

// MemoryInuse returns the memory actively in use by the Go runtime, in
// bytes. This is HeapInuse (live heap spans) plus StackInuse (goroutine
// stacks), excluding virtual address space reserved but not committed.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	user = time.Duration(rusage.Utime.Nano())
	sys = time.Duration(rusage.Stime.Nano())
	return user, sys
}

// Collector is a prometheus.Collector exposing CPUPercent and
// MemoryInuse as agent_cpu_percent and agent_memory_inuse_bytes gauges,
// sampled fresh on every Collect call.
type Collector struct {
	cpu prometheus.Gauge
	mem prometheus.Gauge
}

// NewCollector builds a sysmetrics Collector ready for
// prometheus.Registry.Register.
func NewCollector() *Collector {
	return &Collector{
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_cpu_percent",
			Help: "Agent process CPU usage percentage since the last sample.",
		}),
		mem: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_memory_inuse_bytes",
			Help: "Agent process heap+stack bytes actively in use.",
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.cpu.Describe(ch)
	c.mem.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.cpu.Set(CPUPercent())
	c.mem.Set(float64(MemoryInuse()))
	c.cpu.Collect(ch)
	c.mem.Collect(ch)
}
