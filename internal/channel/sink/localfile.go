// Package sink provides the concrete ChannelManager sink implementations:
// a rotated local file, a remote HTTP endpoint, MQTT, and Kafka.
package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/natefinch/lumberjack.v2"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
)

// LocalFileConfig configures the rotated local-file sink.
type LocalFileConfig struct {
	Name       string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// LocalFile writes batches, one exposition line per metric, to a
// size-rotated local file. Grounded on internal/logging's lumberjack
// rotation precedent, reused here for metric output instead of log text.
type LocalFile struct {
	name string

	mu  sync.Mutex
	lj  *lumberjack.Logger
	gw  *gzip.Writer // non-nil when Compress is set
	out io.Writer
}

// NewLocalFile opens (lazily, on first Send) a rotating writer for cfg.
func NewLocalFile(cfg LocalFileConfig) *LocalFile {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxOr(cfg.MaxSizeMB, 100),
		MaxBackups: maxOr(cfg.MaxBackups, 5),
	}
	f := &LocalFile{name: cfg.Name, lj: lj, out: lj}
	if cfg.Compress {
		gw := gzip.NewWriter(lj)
		f.gw = gw
		f.out = gw
	}
	return f
}

func (f *LocalFile) Name() string { return f.name }

func (f *LocalFile) Send(_ context.Context, batch metric.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(channel.EncodeText(batch)); err != nil {
		return fmt.Errorf("localfile sink %q: %w", f.name, err)
	}
	if f.gw != nil {
		return f.gw.Flush()
	}
	return nil
}

func (f *LocalFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gw != nil {
		if err := f.gw.Close(); err != nil {
			return err
		}
	}
	return f.lj.Close()
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
