// Package modules provides the built-in in-process collectors the
// ModuleScheduler (C6) dispatches: host CPU, memory, load average, and
// filesystem usage. Each collector implements module.Collector and is
// registered under the name a ModuleTask's Args["module"] selects.
//
// Host-wide figures are read directly from /proc and via
// golang.org/x/sys/unix.Statfs rather than a host-metrics library: no repo
// in the corpus this project was built from imports one (see DESIGN.md).
package modules

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"argusagent/internal/metric"
	"argusagent/internal/registry"
)

// CPU reports host CPU utilization as a percentage, computed from the
// delta between successive /proc/stat samples.
type CPU struct {
	mu   sync.Mutex
	prev cpuTimes
	have bool
}

type cpuTimes struct {
	idle  uint64
	total uint64
}

// NewCPU builds a CPU collector with no prior sample: its first Collect
// call returns no metrics and seeds the baseline for the next tick.
func NewCPU() *CPU { return &CPU{} }

func (c *CPU) Collect(_ context.Context, task registry.ModuleTask) ([]metric.Metric, error) {
	cur, err := readProcStatCPU()
	if err != nil {
		return nil, fmt.Errorf("modules: read /proc/stat: %w", err)
	}

	c.mu.Lock()
	prev, have := c.prev, c.have
	c.prev, c.have = cur, true
	c.mu.Unlock()

	if !have {
		return nil, nil
	}

	deltaTotal := float64(cur.total - prev.total)
	deltaIdle := float64(cur.idle - prev.idle)
	pct := 0.0
	if deltaTotal > 0 {
		pct = (1 - deltaIdle/deltaTotal) * 100
	}
	return []metric.Metric{
		{Name: "host_cpu_percent", Value: pct, Kind: metric.KindGauge},
	}, nil
}

func readProcStatCPU() (cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var total uint64
		var idle uint64
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			total += v
			if i == 3 { // idle column
				idle = v
			}
		}
		return cpuTimes{idle: idle, total: total}, nil
	}
	return cpuTimes{}, fmt.Errorf("modules: cpu line not found in /proc/stat")
}

// Memory reports host memory usage from /proc/meminfo.
type Memory struct{}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Collect(_ context.Context, task registry.ModuleTask) ([]metric.Metric, error) {
	info, err := readProcMeminfo()
	if err != nil {
		return nil, fmt.Errorf("modules: read /proc/meminfo: %w", err)
	}
	used := info["MemTotal"] - info["MemAvailable"]
	pct := 0.0
	if info["MemTotal"] > 0 {
		pct = used / info["MemTotal"] * 100
	}
	return []metric.Metric{
		{Name: "host_memory_total_bytes", Value: info["MemTotal"] * 1024, Kind: metric.KindGauge},
		{Name: "host_memory_available_bytes", Value: info["MemAvailable"] * 1024, Kind: metric.KindGauge},
		{Name: "host_memory_used_percent", Value: pct, Kind: metric.KindGauge},
	}, nil
}

func readProcMeminfo() (map[string]float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]float64, 4)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		if key != "MemTotal" && key != "MemAvailable" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		out[key] = v
	}
	return out, scanner.Err()
}

// Load reports the 1/5/15 minute load averages from /proc/loadavg.
type Load struct{}

func NewLoad() *Load { return &Load{} }

func (l *Load) Collect(_ context.Context, task registry.ModuleTask) ([]metric.Metric, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return nil, fmt.Errorf("modules: read /proc/loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, fmt.Errorf("modules: malformed /proc/loadavg")
	}
	names := []string{"host_load1", "host_load5", "host_load15"}
	metrics := make([]metric.Metric, 0, 3)
	for i, name := range names {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			continue
		}
		metrics = append(metrics, metric.Metric{Name: name, Value: v, Kind: metric.KindGauge})
	}
	return metrics, nil
}

// Disk reports filesystem usage for a path (ModuleTask.Args["path"],
// default "/") via statfs(2).
type Disk struct{}

func NewDisk() *Disk { return &Disk{} }

func (d *Disk) Collect(_ context.Context, task registry.ModuleTask) ([]metric.Metric, error) {
	path := task.Args["path"]
	if path == "" {
		path = "/"
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("modules: statfs %s: %w", path, err)
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	free := float64(st.Bfree) * float64(st.Bsize)
	used := total - free
	pct := 0.0
	if total > 0 {
		pct = used / total * 100
	}
	labels := map[string]string{"path": path}
	return []metric.Metric{
		{Name: "host_disk_total_bytes", Value: total, Labels: labels, Kind: metric.KindGauge},
		{Name: "host_disk_free_bytes", Value: free, Labels: labels, Kind: metric.KindGauge},
		{Name: "host_disk_used_percent", Value: pct, Labels: labels, Kind: metric.KindGauge},
	}, nil
}
