// Package module implements ModuleScheduler (C6): the periodic, parallel
// driver for in-process collectors. A fixed base-tick loop walks a dynamic
// task snapshot, tracking per-task due-time state and overrun bookkeeping
// that a generic cron-job abstraction can't express, with bounded fan-out
// via golang.org/x/sync/semaphore instead of named job registration.
package module

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/resourcemon"
)

const metricModuleStatus = "module_status"

// BaseTick is the shared scheduling factor: the scheduler wakes at this
// cadence and checks every task's due time.
const BaseTick = 100 * time.Millisecond

// DefaultWorkers bounds how many collections may run concurrently.
const DefaultWorkers = 8

// OverrunFactor: a run exceeding OverrunFactor*interval counts as an
// overrun.
const OverrunFactor = 3

// OverrunThreshold: this many consecutive overruns triggers exceed-skip.
const OverrunThreshold = 3

// Collector produces one batch of metrics for a module task tick.
type Collector interface {
	Collect(ctx context.Context, task registry.ModuleTask) ([]metric.Metric, error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, task registry.ModuleTask) ([]metric.Metric, error)

func (f CollectorFunc) Collect(ctx context.Context, task registry.ModuleTask) ([]metric.Metric, error) {
	return f(ctx, task)
}

// Registry maps a module name (ModuleTask.Args["module"], falling back to
// the task id) to the Collector that implements it.
type Registry map[string]Collector

type taskState struct {
	nextDue             time.Time
	consecutiveOverruns int
	skipRemaining       int
}

// Scheduler is the ModuleScheduler implementation.
type Scheduler struct {
	log        *slog.Logger
	reg        *registry.Registry
	collectors Registry
	channel    *channel.Manager
	mon        *resourcemon.Monitor
	sem        *semaphore.Weighted
	tick       time.Duration

	mu         sync.Mutex
	states     map[string]*taskState
	lastStatus map[string]bool // task id -> ok on its last completed run
}

// New builds a Scheduler. workers bounds concurrent collections (<=0 uses
// DefaultWorkers). mon may be nil, in which case critical-section tracking
// is skipped.
func New(log *slog.Logger, reg *registry.Registry, collectors Registry, ch *channel.Manager, mon *resourcemon.Monitor, workers int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		log:        log.With("component", "module_scheduler"),
		reg:        reg,
		collectors: collectors,
		channel:    ch,
		mon:        mon,
		sem:        semaphore.NewWeighted(int64(workers)),
		tick:       BaseTick,
		states:     make(map[string]*taskState),
		lastStatus: make(map[string]bool),
	}
}

// Run drives the scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	snapshot := s.reg.Get(registry.FamilyModule)
	var okList, errList, skipList []string
	for id, task := range snapshot.Tasks {
		mt, ok := task.(registry.ModuleTask)
		if !ok {
			continue
		}
		st := s.stateFor(id, mt, now)

		s.mu.Lock()
		if st.skipRemaining > 0 {
			st.skipRemaining--
			s.mu.Unlock()
			skipList = append(skipList, id)
			continue
		}
		due := !now.Before(st.nextDue)
		s.mu.Unlock()

		if !due || !mt.TimeWin.Contains(now) {
			skipList = append(skipList, id)
			continue
		}

		s.mu.Lock()
		st.nextDue = now.Add(mt.Interval)
		ok2, seen := s.lastStatus[id]
		s.mu.Unlock()
		if !seen || ok2 {
			okList = append(okList, id)
		} else {
			errList = append(errList, id)
		}

		if !s.sem.TryAcquire(1) {
			s.mu.Lock()
			st.nextDue = now
			s.mu.Unlock()
			skipList = append(skipList, id)
			continue // worker pool saturated; try again next tick
		}
		go func(mt registry.ModuleTask, st *taskState) {
			defer s.sem.Release(1)
			s.execute(ctx, mt, st)
		}(mt, st)
	}
	s.emitStatus(now, okList, errList, skipList)
}

func (s *Scheduler) emitStatus(now time.Time, okList, errList, skipList []string) {
	s.channel.Send(s.channel.AllOutputs(), metric.Batch{
		TaskID: "module_scheduler",
		Metrics: []metric.Metric{{
			Name:  metricModuleStatus,
			Value: float64(len(okList) + len(errList) + len(skipList)),
			Labels: map[string]string{
				"ok_list":    strings.Join(okList, ","),
				"error_list": strings.Join(errList, ","),
				"skip_list":  strings.Join(skipList, ","),
			},
			Timestamp: now,
			Kind:      metric.KindGauge,
		}},
	})
}

// stateFor returns the per-task state, creating it with a hash-spread
// initial due time on first observation.
func (s *Scheduler) stateFor(id string, mt registry.ModuleTask, now time.Time) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if ok {
		return st
	}
	phase := phaseFor(id, mt.Interval)
	st = &taskState{nextDue: now.Add(phase)}
	s.states[id] = st
	return st
}

// phaseFor computes a deterministic pseudo-random phase in [0, interval)
// from the task id, spreading first-run load across the interval window.
func phaseFor(id string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return time.Duration(h.Sum32()%uint32(interval/time.Millisecond)) * time.Millisecond
}

func (s *Scheduler) execute(ctx context.Context, mt registry.ModuleTask, st *taskState) {
	collector := s.resolveCollector(mt)
	if collector == nil {
		s.log.Warn("module_scheduler: no collector registered", "task", mt.ID)
		return
	}

	var handle *resourcemon.Handle
	if s.mon != nil {
		handle = s.mon.Begin(mt.ID)
	}
	start := time.Now()
	metrics, err := collector.Collect(ctx, mt)
	duration := time.Since(start)
	if handle != nil {
		handle.End()
	}

	if err != nil {
		s.log.Error("module_scheduler: collect failed", "task", mt.ID, "error", err)
	} else if len(metrics) > 0 {
		s.channel.Send(channel.FromTaskOutputs(mt.Outputs), metric.Batch{TaskID: mt.ID, Metrics: metrics})
	}

	s.mu.Lock()
	s.lastStatus[mt.ID] = err == nil
	defer s.mu.Unlock()
	if mt.Interval > 0 && duration > OverrunFactor*mt.Interval {
		st.consecutiveOverruns++
		if st.consecutiveOverruns >= OverrunThreshold {
			st.skipRemaining = st.consecutiveOverruns
			s.log.Warn("module_scheduler: task exceeding budget, skipping ahead", "task", mt.ID, "consecutive_overruns", st.consecutiveOverruns, "skip_ticks", st.skipRemaining)
		}
	} else {
		st.consecutiveOverruns = 0
	}
}

func (s *Scheduler) resolveCollector(mt registry.ModuleTask) Collector {
	if name, ok := mt.Args["module"]; ok {
		if c, ok := s.collectors[name]; ok {
			return c
		}
	}
	return s.collectors[mt.ID]
}
