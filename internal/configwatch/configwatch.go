// Package configwatch implements ConfigWatcher (C13): it polls the task
// family files by content hash and also subscribes to fsnotify for
// low-latency invalidation. Either signal triggers a re-read, a
// hash-compare against the last committed content, and — on a genuine
// change that parses and validates — a registry.Registry.Swap for that
// family. Parse and validation errors are logged and leave the previous
// snapshot live.
package configwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"argusagent/internal/registry"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Loader decodes the family file at path into task records keyed by id.
// A missing file is not an error: it decodes to an empty map (as
// internal/config's family loaders do via readJSONFile).
type Loader func(path string) (map[string]registry.Task, error)

// Source binds one task family to the directory and filename pattern its
// config file lives under, plus the loader that decodes it.
type Source struct {
	Family  registry.Family
	Dir     string
	Pattern string // doublestar glob matched against the file's base name
	Load    Loader
}

// resolve returns the first file under s.Dir matching s.Pattern, or ""
// if none exists yet.
func (s Source) resolve() (string, error) {
	entries, err := doublestar.Glob(os.DirFS(s.Dir), s.Pattern)
	if err != nil {
		return "", fmt.Errorf("configwatch: bad pattern %q: %w", s.Pattern, err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	return filepath.Join(s.Dir, entries[0]), nil
}

// Watcher is the ConfigWatcher implementation.
type Watcher struct {
	log      *slog.Logger
	reg      *registry.Registry
	sources  []Source
	interval time.Duration

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	lastHash map[registry.Family]string
}

// New builds a Watcher over sources, watching each source's directory via
// fsnotify in addition to the interval poll. Directories that don't yet
// exist are skipped (created later, picked up on the next poll tick).
func New(reg *registry.Registry, log *slog.Logger, interval time.Duration, sources ...Source) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configwatch: new fsnotify watcher: %w", err)
	}

	watched := make(map[string]struct{})
	for _, s := range sources {
		if _, ok := watched[s.Dir]; ok {
			continue
		}
		if err := fsw.Add(s.Dir); err != nil {
			log.Warn("configwatch: cannot watch directory, falling back to polling only", "dir", s.Dir, "error", err)
			continue
		}
		watched[s.Dir] = struct{}{}
	}

	return &Watcher{
		log:      log.With("component", "configwatch"),
		reg:      reg,
		sources:  sources,
		interval: interval,
		fsw:      fsw,
		lastHash: make(map[registry.Family]string),
	}, nil
}

// Run blocks, reacting to fsnotify events and the poll ticker, until ctx
// is cancelled. It performs one synchronous pass before returning control
// to the caller's goroutine scheduling, so the registry is populated by
// the time Run's first tick would otherwise have fired.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	w.checkAll()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.checkAll()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.checkMatching(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("configwatch: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) checkAll() {
	for _, s := range w.sources {
		w.checkSource(s)
	}
}

// checkMatching re-checks every source whose glob pattern matches the
// base name of the changed path.
func (w *Watcher) checkMatching(changedPath string) {
	base := filepath.Base(changedPath)
	for _, s := range w.sources {
		ok, err := doublestar.Match(s.Pattern, base)
		if err != nil || !ok {
			continue
		}
		w.checkSource(s)
	}
}

func (w *Watcher) checkSource(s Source) {
	path, err := s.resolve()
	if err != nil {
		w.log.Error("configwatch: resolve source", "family", s.Family, "error", err)
		return
	}
	if path == "" {
		return
	}

	hash, err := contentHash(path)
	if err != nil {
		w.log.Error("configwatch: hash file", "family", s.Family, "path", path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := w.lastHash[s.Family] == hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	tasks, err := s.Load(path)
	if err != nil {
		w.log.Error("configwatch: parse error, keeping previous snapshot", "family", s.Family, "path", path, "error", err)
		return
	}

	if _, err := w.reg.Swap(s.Family, tasks); err != nil {
		w.log.Error("configwatch: validation error, keeping previous snapshot", "family", s.Family, "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.lastHash[s.Family] = hash
	w.mu.Unlock()
	w.log.Info("configwatch: committed new snapshot", "family", s.Family, "path", path, "tasks", len(tasks))
}

func contentHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
