// Package script implements ScriptScheduler (C7): the external-process
// collector driver. Process lifecycle (single Wait goroutine, piped
// output, SIGKILL on deadline) generalizes a fire-and-forget child process
// launch into a bounded, re-armed, per-task periodic one.
package script

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"argusagent/internal/agenterrors"
	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/resourcemon"
)

const metricScriptSchedulerStatus = "script_status"

// BaseTick is the shared scheduling factor for the predicate-gate sweep.
const BaseTick = 100 * time.Millisecond

// DefaultMaxProcs bounds concurrently in-flight child processes.
const DefaultMaxProcs = 10

// MaxOutputLen is the captured-output cap per stream (E_OutputTooLong).
const MaxOutputLen = 64 * 1024

// Scheduler is the ScriptScheduler implementation.
type Scheduler struct {
	log     *slog.Logger
	reg     *registry.Registry
	channel *channel.Manager
	mon     *resourcemon.Monitor
	sem     *semaphore.Weighted

	mu         sync.Mutex
	lastRun    map[string]time.Time
	running    map[string]bool
	lastStatus map[string]bool
	killed     int64
	skipped    int64
}

// New builds a Scheduler. maxProcs bounds concurrently in-flight child
// processes (<=0 uses DefaultMaxProcs). mon may be nil, in which case
// critical-section tracking is skipped.
func New(log *slog.Logger, reg *registry.Registry, ch *channel.Manager, mon *resourcemon.Monitor, maxProcs int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if maxProcs <= 0 {
		maxProcs = DefaultMaxProcs
	}
	return &Scheduler{
		log:        log.With("component", "script_scheduler"),
		reg:        reg,
		channel:    ch,
		mon:        mon,
		sem:        semaphore.NewWeighted(int64(maxProcs)),
		lastRun:    make(map[string]time.Time),
		running:    make(map[string]bool),
		lastStatus: make(map[string]bool),
	}
}

// Run drives the predicate-gate sweep until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(BaseTick)
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
	snapshot := s.reg.Get(registry.FamilyScript)
	var okList, errList, skipList []string
	for id, task := range snapshot.Tasks {
		st, ok := task.(registry.ScriptTask)
		if !ok {
			continue
		}

		s.mu.Lock()
		if s.running[id] {
			s.mu.Unlock() // P3: never two concurrent runs of the same task.
			skipList = append(skipList, id)
			continue
		}
		last, seen := s.lastRun[id]
		s.mu.Unlock()

		if seen && now.Before(last.Add(st.Interval)) {
			continue
		}
		if !st.TimeWin.Contains(now) {
			skipList = append(skipList, id)
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			skipList = append(skipList, id)
			continue
		}

		s.mu.Lock()
		s.running[id] = true
		s.lastRun[id] = now
		ok2, seenStatus := s.lastStatus[id]
		s.mu.Unlock()
		if !seenStatus || ok2 {
			okList = append(okList, id)
		} else {
			errList = append(errList, id)
		}

		go s.runOnce(ctx, st)
	}
	s.emitStatus(now, okList, errList, skipList)
}

func (s *Scheduler) emitStatus(now time.Time, okList, errList, skipList []string) {
	s.channel.Send(s.channel.AllOutputs(), metric.Batch{
		TaskID: "script_scheduler",
		Metrics: []metric.Metric{{
			Name:  metricScriptSchedulerStatus,
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

func (s *Scheduler) runOnce(ctx context.Context, task registry.ScriptTask) {
	var handle *resourcemon.Handle
	if s.mon != nil {
		handle = s.mon.Begin(task.ID)
	}
	ok := s.doRun(ctx, task)
	if handle != nil {
		handle.End()
	}

	s.sem.Release(1)
	s.mu.Lock()
	s.running[task.ID] = false
	s.lastStatus[task.ID] = ok
	s.mu.Unlock()
}

func (s *Scheduler) doRun(ctx context.Context, task registry.ScriptTask) bool {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", task.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if task.User != "" {
		if cred, err := credentialFor(task.User); err != nil {
			s.log.Warn("script_scheduler: cannot resolve user, running as agent", "task", task.ID, "user", task.User, "error", err)
		} else {
			cmd.SysProcAttr.Credential = cred
		}
	}

	overflow := make(chan struct{}, 1)
	var once sync.Once
	signalOverflow := func() {
		once.Do(func() { overflow <- struct{}{} })
	}
	stdout := limitWriter{onOverflow: signalOverflow}
	stderr := limitWriter{onOverflow: signalOverflow}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.log.Error("script_scheduler: spawn failed", "task", task.ID, "error", err)
		return false
	}

	var tooLong atomic.Bool
	go func() {
		select {
		case <-overflow:
			tooLong.Store(true)
			cancel() // E_OutputTooLong: abort rather than let it run to its timeout.
		case <-cctx.Done():
		}
	}()

	err := cmd.Wait()
	killed := cctx.Err() == context.DeadlineExceeded // P1: timeout always leads to a kill attempt via CommandContext's Cancel.
	if tooLong.Load() {
		killed = true
		wrapped := agenterrors.New(agenterrors.EOverflow, "script_scheduler.runOnce", fmt.Errorf("task %s: output exceeded %d bytes", task.ID, MaxOutputLen))
		s.log.Error("script_scheduler: output too long, killed", "task", task.ID, "error", wrapped)
	}
	if killed {
		s.mu.Lock()
		s.killed++
		s.mu.Unlock()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	metrics := decodeResult(task, start, exitCode, stdout.Bytes(), stderr.Bytes(), killed)
	if len(metrics) > 0 {
		s.channel.Send(channel.FromTaskOutputs(task.Outputs), metric.Batch{TaskID: task.ID, Metrics: metrics})
	}
	return exitCode == 0 && !killed
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// limitWriter caps captured output at MaxOutputLen. The first write past
// the cap invokes onOverflow (used by doRun to kill the process early
// with E_OutputTooLong) and fails, stopping the pipe copier.
type limitWriter struct {
	buf        bytes.Buffer
	onOverflow func()
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := MaxOutputLen - w.buf.Len()
	if remaining <= 0 {
		if w.onOverflow != nil {
			w.onOverflow()
		}
		return 0, fmt.Errorf("script: output exceeds %d bytes", MaxOutputLen)
	}
	if len(p) > remaining {
		p = p[:remaining]
		if w.onOverflow != nil {
			w.onOverflow()
		}
	}
	return w.buf.Write(p)
}

func (w *limitWriter) Bytes() []byte { return w.buf.Bytes() }
