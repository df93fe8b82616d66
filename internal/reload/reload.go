// Package reload watches persisted index files with fsnotify and reloads the
// in-memory indexes when another process replaces them. Writers rename a
// temporary file over the live path, so each replacement surfaces as a single
// create/rename event on the final path.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/vector"
)

const defaultDebounce = 300 * time.Millisecond

// Target binds one index file path to the in-memory index it backs.
type Target struct {
	Path  string
	Index *vector.FlatIndex
}

// Reloader reloads in-memory indexes when their backing files change.
type Reloader struct {
	targets     map[string]*vector.FlatIndex // cleaned path -> index
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets a logger for reload events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reloader) { r.logger = l }
}

// NewReloader creates a reloader for the given targets. Targets with an empty
// path are skipped.
func NewReloader(targets []Target, opts ...Option) *Reloader {
	r := &Reloader{
		targets:     make(map[string]*vector.FlatIndex, len(targets)),
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, t := range targets {
		if t.Path != "" && t.Index != nil {
			r.targets[filepath.Clean(t.Path)] = t.Index
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins watching the directories holding the target files. It runs
// until ctx is cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	// Watch the parent directories, not the files: the files are replaced by
	// rename, which would drop a watch on the file itself.
	dirs := make(map[string]struct{})
	for path := range r.targets {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			r.mu.Unlock()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	r.watcher = watcher
	r.started = true
	if r.logger != nil {
		paths := make([]string, 0, len(r.targets))
		for p := range r.targets {
			paths = append(paths, p)
		}
		r.logger.Debug("index reloader starting", zap.Strings("paths", paths))
	}
	r.mu.Unlock()
	go r.run(ctx)
	return nil
}

func (r *Reloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && r.logger != nil {
				r.logger.Debug("index reloader watch error", zap.Error(err))
			}
		}
	}
}

func (r *Reloader) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	r.mu.Lock()
	_, tracked := r.targets[path]
	r.mu.Unlock()
	if !tracked {
		// Temporary files and unrelated siblings in the same directory.
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if r.logger != nil {
		r.logger.Debug("index file changed", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	r.debounceReload(path)
}

func (r *Reloader) debounceReload(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.debounceMap, path)
		idx := r.targets[path]
		logger := r.logger
		r.mu.Unlock()
		if idx == nil {
			return
		}
		if err := idx.Load(path); err != nil {
			if logger != nil {
				logger.Warn("index reload failed", zap.String("path", path), zap.Error(err))
			}
			return
		}
		if logger != nil {
			logger.Info("index reloaded", zap.String("path", path), zap.Int("size", idx.Size()))
		}
	})
	r.debounceMap[path] = t
}

// Stop stops the reloader and releases resources.
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.started || r.watcher == nil {
		r.mu.Unlock()
		return
	}
	for path, t := range r.debounceMap {
		t.Stop()
		delete(r.debounceMap, path)
	}
	_ = r.watcher.Close()
	r.watcher = nil
	r.started = false
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.done) })
}
