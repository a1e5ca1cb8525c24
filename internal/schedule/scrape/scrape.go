// Package scrape implements ScrapeScheduler (C8): a pull-based HTTP
// collector. HTTP client usage and Prometheus text decoding are grounded
// on the same prometheus/common/expfmt stack the script scheduler uses
// for PROMETHEUS-format script output; JSON-metric decoding uses
// github.com/theory/jsonpath to apply a configured field selector.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/theory/jsonpath"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/registry"
	"argusagent/internal/resourcemon"
)

// BaseTick is the shared scheduling factor for the due-time sweep.
const BaseTick = 100 * time.Millisecond

const metricExporterStatus = "__argus_exporter_status__"
const metricExporterSchedulerStatus = "exporter_status"

// Scheduler is the ScrapeScheduler implementation.
type Scheduler struct {
	log     *slog.Logger
	reg     *registry.Registry
	channel *channel.Manager
	mon     *resourcemon.Monitor
	client  *http.Client

	mu          sync.Mutex
	lastRun     map[string]time.Time
	running     map[string]bool
	activeIndex map[string]int
	lastStatus  map[string]bool
}

// New builds a Scheduler. mon may be nil, in which case critical-section
// tracking is skipped.
func New(log *slog.Logger, reg *registry.Registry, ch *channel.Manager, mon *resourcemon.Monitor) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:         log.With("component", "scrape_scheduler"),
		reg:         reg,
		channel:     ch,
		mon:         mon,
		client:      &http.Client{},
		lastRun:     make(map[string]time.Time),
		running:     make(map[string]bool),
		activeIndex: make(map[string]int),
		lastStatus:  make(map[string]bool),
	}
}

// Run drives the due-time sweep until ctx is cancelled.
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
	snapshot := s.reg.Get(registry.FamilyScrape)
	var okList, errList, skipList []string
	for id, task := range snapshot.Tasks {
		st, ok := task.(registry.ScrapeTask)
		if !ok {
			continue
		}

		s.mu.Lock()
		if s.running[id] {
			s.mu.Unlock()
			skipList = append(skipList, id)
			continue
		}
		last, seen := s.lastRun[id]
		s.mu.Unlock()
		if seen && now.Before(last.Add(st.Interval)) {
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

		go func(st registry.ScrapeTask) {
			defer func() {
				s.mu.Lock()
				s.running[st.ID] = false
				s.mu.Unlock()
			}()
			s.runOnce(ctx, st)
		}(st)
	}
	s.emitStatus(now, okList, errList, skipList)
}

func (s *Scheduler) emitStatus(now time.Time, okList, errList, skipList []string) {
	s.channel.Send(s.channel.AllOutputs(), metric.Batch{
		TaskID: "scrape_scheduler",
		Metrics: []metric.Metric{{
			Name:  metricExporterSchedulerStatus,
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

// candidates splits Target on commas: the candidate host list an
// activeIndex fails over across.
func candidates(target string) []string {
	parts := strings.Split(target, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{target}
	}
	return out
}

func (s *Scheduler) runOnce(ctx context.Context, task registry.ScrapeTask) {
	var handle *resourcemon.Handle
	if s.mon != nil {
		handle = s.mon.Begin(task.ID)
	}

	hosts := candidates(task.Target)

	s.mu.Lock()
	idx := s.activeIndex[task.ID] % len(hosts)
	s.mu.Unlock()

	start := time.Now()
	body, code, errMsg := s.fetch(ctx, task, hosts[idx])
	if handle != nil {
		handle.End()
	}
	if errMsg != "" && len(hosts) > 1 {
		s.mu.Lock()
		s.activeIndex[task.ID] = (idx + 1) % len(hosts)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.lastStatus[task.ID] = errMsg == ""
	s.mu.Unlock()

	var metrics []metric.Metric
	if errMsg == "" {
		switch task.Type {
		case registry.ScrapeJSONMetric:
			metrics = decodeJSONMetric(task, body, start)
		default:
			metrics = decodeProm(task, body, start)
		}
		metrics = applyFilterAndLabel(task, metrics)
	}

	if task.EmitStatus {
		labels := map[string]string{"task": task.ID, "target": hosts[idx]}
		for k, v := range task.Labels {
			labels[k] = v
		}
		if errMsg != "" {
			labels["error"] = errMsg
		}
		metrics = append(metrics, metric.Metric{
			Name:      metricExporterStatus,
			Value:     float64(code),
			Labels:    labels,
			Timestamp: start,
			Kind:      metric.KindGauge,
		})
	}

	if len(metrics) > 0 {
		s.channel.Send(channel.FromTaskOutputs(task.Outputs), metric.Batch{TaskID: task.ID, Metrics: metrics})
	}
}

func (s *Scheduler) fetch(ctx context.Context, task registry.ScrapeTask, host string) ([]byte, int, string) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := task.Method
	if method == "" {
		method = http.MethodGet
	}
	url := host + task.Path
	req, err := http.NewRequestWithContext(cctx, method, url, nil)
	if err != nil {
		return nil, 0, err.Error()
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err.Error()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err.Error()
	}
	if resp.StatusCode >= 400 {
		return body, resp.StatusCode, resp.Status
	}
	return body, resp.StatusCode, ""
}

func decodeProm(task registry.ScrapeTask, body []byte, now time.Time) []metric.Metric {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil
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
			metrics = append(metrics, metric.Metric{Name: name, Value: value, Labels: labels, Timestamp: now, Kind: metric.KindGauge})
		}
	}
	return metrics
}

// decodeJSONMetric evaluates each configured JSONPath against the
// response body and emits one gauge per path that resolves to a number.
func decodeJSONMetric(task registry.ScrapeTask, body []byte, now time.Time) []metric.Metric {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	var metrics []metric.Metric
	for name, expr := range task.JSONPaths {
		path, err := jsonpath.Parse(expr)
		if err != nil {
			continue
		}
		for _, v := range path.Select(data) {
			f, ok := asFloat(v)
			if !ok {
				continue
			}
			metrics = append(metrics, metric.Metric{Name: name, Value: f, Timestamp: now, Kind: metric.KindGauge})
		}
	}
	return metrics
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// applyFilterAndLabel drops metrics whose labels don't match every
// task.Filters entry, then merges task.Labels over (overwriting) what's
// left.
func applyFilterAndLabel(task registry.ScrapeTask, metrics []metric.Metric) []metric.Metric {
	if len(task.Filters) == 0 && len(task.Labels) == 0 {
		return metrics
	}
	out := metrics[:0]
	for _, m := range metrics {
		matched := true
		for k, v := range task.Filters {
			if m.Labels[k] != v {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		for k, v := range task.Labels {
			m = m.WithLabel(k, v)
		}
		out = append(out, m)
	}
	return out
}
