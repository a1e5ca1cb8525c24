package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFileOptions configures size-bounded log rotation, mapping directly
// to the agent.logger.{level|file.size|file.count} configuration keys.
type RotatingFileOptions struct {
	// Path is the log file path, e.g. local_data/logs/argusagent.log.
	Path string
	// MaxSizeMB is the size in megabytes at which the file rotates.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to retain.
	MaxBackups int
	// Level is the minimum level for the default component.
	Level slog.Level
}

// NewRotatingWriter returns an io.WriteCloser that rotates Path by size,
// keeping at most MaxBackups old copies. If Path is empty, logs go to
// stderr and are never rotated.
func NewRotatingWriter(opt RotatingFileOptions) io.WriteCloser {
	if opt.Path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   opt.Path,
		MaxSize:    maxOr(opt.MaxSizeMB, 100),
		MaxBackups: maxOr(opt.MaxBackups, 5),
		Compress:   false,
	}
}

// NewBaseLogger builds the agent's root logger: a ComponentFilterHandler over
// a text handler writing to a rotating file (or stderr), matching the
// convention of scoping all logging through dependency injection rather
// than slog.SetDefault.
func NewBaseLogger(opt RotatingFileOptions) (*slog.Logger, *ComponentFilterHandler) {
	w := NewRotatingWriter(opt)
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, opt.Level)
	return slog.New(filter), filter
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
