package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"argusagent/internal/registry"
)

// jsonOutput mirrors registry.Output's wire shape.
type jsonOutput struct {
	Sink   string            `json:"sink"`
	Config map[string]string `json:"config"`
}

func (o jsonOutput) toOutput() registry.Output {
	return registry.Output{Sink: o.Sink, Config: o.Config}
}

func toOutputs(outs []jsonOutput) []registry.Output {
	result := make([]registry.Output, len(outs))
	for i, o := range outs {
		result[i] = o.toOutput()
	}
	return result
}

type jsonTimeWindow struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
}

func (w jsonTimeWindow) toWindow() (registry.TimeWindow, error) {
	if w.Start == "" && w.End == "" {
		return registry.TimeWindow{}, nil
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return registry.TimeWindow{}, fmt.Errorf("timeWindow.start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return registry.TimeWindow{}, fmt.Errorf("timeWindow.end: %w", err)
	}
	return registry.TimeWindow{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

type moduleTaskFile struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	IntervalSec  int               `json:"intervalSec"`
	TimeWindow   jsonTimeWindow    `json:"timeWindow"`
	ScheduleExpr string            `json:"scheduleExpr"`
	Args         map[string]string `json:"args"`
	Outputs      []jsonOutput      `json:"outputs"`
}

// LoadModuleTasks decodes a moduleTask.json family file into registry
// records keyed by id, matching the original ilogtail moduleTask layout.
func LoadModuleTasks(path string) (map[string]registry.Task, error) {
	var files []moduleTaskFile
	if err := readJSONFile(path, &files); err != nil {
		return nil, err
	}
	out := make(map[string]registry.Task, len(files))
	for _, f := range files {
		if _, dup := out[f.ID]; dup {
			return nil, fmt.Errorf("module task %q: duplicate id in %s", f.ID, path)
		}
		win, err := f.TimeWindow.toWindow()
		if err != nil {
			return nil, fmt.Errorf("module task %q: %w", f.ID, err)
		}
		out[f.ID] = registry.ModuleTask{
			ID:           f.ID,
			Name:         f.Name,
			Interval:     time.Duration(f.IntervalSec) * time.Second,
			TimeWin:      win,
			ScheduleExpr: defaultStr(f.ScheduleExpr, "*"),
			Args:         f.Args,
			Outputs:      toOutputs(f.Outputs),
		}
	}
	return out, nil
}

type scriptTaskFile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Command       string            `json:"command"`
	User          string            `json:"user"`
	IntervalSec   int               `json:"intervalSec"`
	TimeoutSec    int               `json:"timeoutSec"`
	ResultFormat  string            `json:"resultFormat"`
	Filters       map[string]string `json:"filters"`
	Labels        map[string]string `json:"labels"`
	ReportStatus  int               `json:"reportStatus"`
	TimeWindow    jsonTimeWindow    `json:"timeWindow"`
	Outputs       []jsonOutput      `json:"outputs"`
}

// LoadScriptTasks decodes a scriptTask.json family file.
func LoadScriptTasks(path string) (map[string]registry.Task, error) {
	var files []scriptTaskFile
	if err := readJSONFile(path, &files); err != nil {
		return nil, err
	}
	out := make(map[string]registry.Task, len(files))
	for _, f := range files {
		if _, dup := out[f.ID]; dup {
			return nil, fmt.Errorf("script task %q: duplicate id in %s", f.ID, path)
		}
		win, err := f.TimeWindow.toWindow()
		if err != nil {
			return nil, fmt.Errorf("script task %q: %w", f.ID, err)
		}
		out[f.ID] = registry.ScriptTask{
			ID:           f.ID,
			Name:         f.Name,
			Command:      f.Command,
			User:         f.User,
			Interval:     time.Duration(f.IntervalSec) * time.Second,
			Timeout:      time.Duration(f.TimeoutSec) * time.Second,
			ResultFormat: registry.ResultFormat(defaultStr(f.ResultFormat, string(registry.FormatRaw))),
			Filters:      f.Filters,
			Labels:       f.Labels,
			ReportStatus: registry.ReportStatus(f.ReportStatus),
			TimeWin:      win,
			Outputs:      toOutputs(f.Outputs),
		}
	}
	return out, nil
}

type scrapeTaskFile struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	Path       string            `json:"path"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	IntervalSec int              `json:"intervalSec"`
	TimeoutSec  int              `json:"timeoutSec"`
	Type        string           `json:"type"`
	Filters     map[string]string `json:"filters"`
	Labels      map[string]string `json:"labels"`
	Outputs     []jsonOutput      `json:"outputs"`
	EmitStatus  bool              `json:"emitStatus"`
	JSONPaths   map[string]string `json:"jsonPaths"`
}

// LoadScrapeTasks decodes an httpReceiveTask.json / exporterTask.json
// style family file.
func LoadScrapeTasks(path string) (map[string]registry.Task, error) {
	var files []scrapeTaskFile
	if err := readJSONFile(path, &files); err != nil {
		return nil, err
	}
	out := make(map[string]registry.Task, len(files))
	for _, f := range files {
		if _, dup := out[f.ID]; dup {
			return nil, fmt.Errorf("scrape task %q: duplicate id in %s", f.ID, path)
		}
		out[f.ID] = registry.ScrapeTask{
			ID:         f.ID,
			Target:     f.Target,
			Path:       f.Path,
			Method:     defaultStr(f.Method, "GET"),
			Headers:    f.Headers,
			Interval:   time.Duration(f.IntervalSec) * time.Second,
			Timeout:    time.Duration(f.TimeoutSec) * time.Second,
			Type:       registry.ScrapeType(defaultStr(f.Type, string(registry.ScrapeProm))),
			Filters:    f.Filters,
			Labels:     f.Labels,
			Outputs:    toOutputs(f.Outputs),
			EmitStatus: f.EmitStatus,
			JSONPaths:  f.JSONPaths,
		}
	}
	return out, nil
}

type probeTaskFile struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Destination string         `json:"destination"`
	IntervalSec int            `json:"intervalSec"`
	TimeoutSec  int            `json:"timeoutSec"`
	RequestBody string         `json:"requestBody"`
	Keyword     string         `json:"keyword"`
	Negative    bool           `json:"negative"`
	TimeWindow  jsonTimeWindow `json:"timeWindow"`
	Outputs     []jsonOutput   `json:"outputs"`
}

// LoadProbeTasks decodes a receiveTask.json-style probe family file.
func LoadProbeTasks(path string) (map[string]registry.Task, error) {
	var files []probeTaskFile
	if err := readJSONFile(path, &files); err != nil {
		return nil, err
	}
	out := make(map[string]registry.Task, len(files))
	for _, f := range files {
		if _, dup := out[f.ID]; dup {
			return nil, fmt.Errorf("probe task %q: duplicate id in %s", f.ID, path)
		}
		win, err := f.TimeWindow.toWindow()
		if err != nil {
			return nil, fmt.Errorf("probe task %q: %w", f.ID, err)
		}
		out[f.ID] = registry.ProbeTask{
			ID:          f.ID,
			Kind:        registry.ProbeKind(f.Kind),
			Destination: f.Destination,
			Interval:    time.Duration(f.IntervalSec) * time.Second,
			Timeout:     time.Duration(f.TimeoutSec) * time.Second,
			RequestBody: f.RequestBody,
			Keyword:     f.Keyword,
			Negative:    f.Negative,
			TimeWin:     win,
			Outputs:     toOutputs(f.Outputs),
		}
	}
	return out, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
