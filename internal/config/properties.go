// Package config implements the ambient ConfigSource capability: a flat
// key=value properties file (agent.properties) plus per-family JSON task
// files, decoded into the typed records internal/registry expects.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Properties is a flat key=value map, as read from agent.properties. A
// small hand-rolled parser is used rather than an external properties
// library: the format is a single flat key=value file with '#' comments,
// well inside what bufio.Scanner expresses directly (see DESIGN.md).
type Properties map[string]string

// LoadProperties reads a key=value file. Blank lines and lines starting
// with '#' are ignored. Malformed lines (no '=') are skipped with no
// error: a missing optional key just falls back to its default.
func LoadProperties(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	props := make(Properties)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		props[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return props, nil
}

func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p Properties) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// List splits a comma-separated value, trimming whitespace around each
// entry. Returns def if the key is absent or empty.
func (p Properties) List(key string, def []string) []string {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p Properties) Duration(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// AgentConfig holds the agent.properties keys the rest of the system
// reads, with the documented defaults applied.
type AgentConfig struct {
	DomainSocketPath         string
	DomainSocketFallbackPort int
	HTTPIngressAddr          string
	HTTPIngressMaxConns      int
	ResourceTopN             int
	ShutdownTimeout          time.Duration
	ConfigWatchInterval      time.Duration
	LogPath                  string
	LogLevel                 string
	LogMaxSizeMB             int
	LogMaxBackups            int

	TaskDir         string
	SinksPath       string
	SelfMetricsAddr string

	HTTPIngressOutputs   []string
	DomainIngressOutputs []string

	ModuleWorkers int
	ProbeWorkers  int
	ScriptMaxProcs int
}

// NewAgentConfig applies defaults over whatever agent.properties supplied.
func NewAgentConfig(p Properties) AgentConfig {
	return AgentConfig{
		DomainSocketPath:         p.String("agent.domainsocket.path", "local_data/run/argus.sock"),
		DomainSocketFallbackPort: p.Int("agent.domainsocket.fallback.port", 15888),
		HTTPIngressAddr:          p.String("agent.http.addr", "127.0.0.1:15777"),
		HTTPIngressMaxConns:      p.Int("agent.http.maxconns", 100),
		ResourceTopN:             p.Int("agent.resource.topn", 20),
		ShutdownTimeout:          p.Duration("agent.shutdown.timeout", 10*time.Second),
		ConfigWatchInterval:      p.Duration("agent.configwatch.interval", 10*time.Second),
		LogPath:                  p.String("agent.logger.file", "local_data/logs/argusagent.log"),
		LogLevel:                 p.String("agent.logger.level", "info"),
		LogMaxSizeMB:             p.Int("agent.logger.file.size", 100),
		LogMaxBackups:            p.Int("agent.logger.file.count", 5),

		TaskDir:         p.String("agent.task.dir", "local_data/conf"),
		SinksPath:       p.String("agent.sinks.path", "local_data/conf/sinks.json"),
		SelfMetricsAddr: p.String("agent.selfmetrics.addr", "127.0.0.1:15778"),

		HTTPIngressOutputs:   p.List("agent.http.outputs", nil),
		DomainIngressOutputs: p.List("agent.domain.outputs", nil),

		ModuleWorkers:  p.Int("agent.module.workers", 8),
		ProbeWorkers:   p.Int("agent.probe.workers", 8),
		ScriptMaxProcs: p.Int("agent.script.maxprocs", 10),
	}
}
