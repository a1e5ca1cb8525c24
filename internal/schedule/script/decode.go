package script

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"

	"argusagent/internal/metric"
	"argusagent/internal/registry"
)

const (
	metricScriptStatus  = "__argus_script_status__"
	metricScriptRawMsg  = "__argus_script_raw_msg__"
)

// decodeResult turns one script tick's captured output into metrics,
// according to task.ResultFormat.
func decodeResult(task registry.ScriptTask, now time.Time, exitCode int, stdout, stderr []byte, killed bool) []metric.Metric {
	output := stdout
	errMsg := ""
	if len(bytes.TrimSpace(output)) == 0 {
		output = stderr
	}
	if exitCode != 0 || killed {
		errMsg = strings.TrimSpace(string(stderr))
	}

	switch task.ResultFormat {
	case registry.FormatRawJSON:
		return decodeRawJSON(task, now, exitCode, output, errMsg)
	case registry.FormatProm:
		return decodeProm(task, now, exitCode, output, errMsg)
	case registry.FormatJSON:
		return decodeJSON(task, now, exitCode, output, errMsg)
	case registry.FormatText:
		return decodeText(task, now, exitCode, output, errMsg)
	default: // FormatRaw
		return decodeRaw(task, now, exitCode, output, errMsg)
	}
}

func baseLabels(task registry.ScriptTask) map[string]string {
	labels := make(map[string]string, len(task.Labels)+1)
	for k, v := range task.Labels {
		labels[k] = v
	}
	labels["task"] = task.ID
	return labels
}

func decodeRaw(task registry.ScriptTask, now time.Time, exitCode int, output []byte, errMsg string) []metric.Metric {
	labels := baseLabels(task)
	text := string(output)
	if errMsg != "" {
		text = errMsg
	}
	labels["output"] = text
	return []metric.Metric{{
		Name:      "__argus_script_raw__",
		Value:     float64(exitCode),
		Labels:    labels,
		Timestamp: now,
		Kind:      metric.KindGauge,
	}}
}

func decodeRawJSON(task registry.ScriptTask, now time.Time, exitCode int, output []byte, errMsg string) []metric.Metric {
	labels := baseLabels(task)
	labels["type"] = "SCRIPT"
	labels["result"] = string(output)
	if task.ReportStatus != 0 {
		status := "ok"
		if exitCode != 0 || errMsg != "" {
			status = errMsg
		}
		labels["status"] = status
	}
	return []metric.Metric{{
		Name:      "__argus_script_raw__",
		Value:     float64(exitCode),
		Labels:    labels,
		Timestamp: now,
		Kind:      metric.KindGauge,
	}}
}

// decodeProm parses Prometheus text-exposition output and appends a
// status synthetic metric carrying the successfully parsed metric count.
func decodeProm(task registry.ScriptTask, now time.Time, exitCode int, output []byte, errMsg string) []metric.Metric {
	var parser expfmt.TextParser
	families, parseErr := parser.TextToMetricFamilies(bytes.NewReader(output))

	var metrics []metric.Metric
	for name, family := range families {
		for _, m := range family.GetMetric() {
			labels := baseLabels(task)
			for k, v := range task.Labels {
				labels[k] = v
			}
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
			metrics = append(metrics, metric.Metric{
				Name:      name,
				Value:     value,
				Labels:    labels,
				Timestamp: now,
				Kind:      metric.KindGauge,
			})
		}
	}

	statusLabels := baseLabels(task)
	if parseErr != nil {
		statusLabels["error"] = parseErr.Error()
	}
	if errMsg != "" {
		statusLabels["error_message"] = errMsg
	}
	if task.ReportStatus == 2 || parseErr != nil {
		statusLabels[metricScriptRawMsg] = string(output)
	}
	metrics = append(metrics, metric.Metric{
		Name:      metricScriptStatus,
		Value:     float64(len(metrics)),
		Labels:    statusLabels,
		Timestamp: now,
		Kind:      metric.KindGauge,
	})
	return metrics
}

// decodeJSON treats output as a flat {"metric_name": number, ...} object.
// ScriptTask carries no JSONPath configuration (unlike ScrapeTask), so a
// plain encoding/json unmarshal covers the documented behavior without
// reaching for theory/jsonpath (see DESIGN.md).
func decodeJSON(task registry.ScriptTask, now time.Time, exitCode int, output []byte, errMsg string) []metric.Metric {
	var flat map[string]float64
	jsonErr := json.Unmarshal(output, &flat)

	labels := baseLabels(task)
	var metrics []metric.Metric
	for name, value := range flat {
		metrics = append(metrics, metric.Metric{
			Name:      name,
			Value:     value,
			Labels:    labels,
			Timestamp: now,
			Kind:      metric.KindGauge,
		})
	}

	statusLabels := baseLabels(task)
	if jsonErr != nil {
		statusLabels["error"] = jsonErr.Error()
	}
	if errMsg != "" {
		statusLabels["error_message"] = errMsg
	}
	metrics = append(metrics, metric.Metric{
		Name:      metricScriptStatus,
		Value:     float64(len(metrics)),
		Labels:    statusLabels,
		Timestamp: now,
		Kind:      metric.KindGauge,
	})
	return metrics
}

func decodeText(task registry.ScriptTask, now time.Time, exitCode int, output []byte, errMsg string) []metric.Metric {
	labels := baseLabels(task)
	labels["output"] = string(output)
	if errMsg != "" {
		labels["error_message"] = errMsg
	}
	return []metric.Metric{{
		Name:      metricScriptStatus,
		Value:     float64(exitCode),
		Labels:    labels,
		Timestamp: now,
		Kind:      metric.KindGauge,
	}}
}
