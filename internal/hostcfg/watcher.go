package hostcfg

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mtzanidakis/taskwave/internal/config"
)

const debounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes and forwards the
// reloadable parts to a Target.
type Watcher struct {
	path   string
	target Target

	mu          sync.Mutex
	current     *config.Config
	onScheduler func(config.SchedulerConfig)

	watcher *fsnotify.Watcher
}

// NewWatcher watches the file cfg was loaded from. The directory is watched
// rather than the file so editors that replace the file are handled.
func NewWatcher(cfg *config.Config, target Target) (*Watcher, error) {
	path := cfg.File()
	if path == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		target:  target,
		current: cfg,
		watcher: fw,
	}, nil
}

// OnSchedulerChange registers fn to receive scheduler settings on reload.
func (w *Watcher) OnSchedulerChange(fn func(config.SchedulerConfig)) {
	w.mu.Lock()
	w.onScheduler = fn
	w.mu.Unlock()
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *config.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	slog.Info("watching config file", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-timer.C:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload failed", "path", w.path, "error", err)
			}
		}
	}
}

// Reload reads the file, diffs it against the current config and applies
// what changed. An invalid file leaves everything as it was.
func (w *Watcher) Reload() error {
	next, err := config.LoadFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	diff := config.Diff(w.current, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		w.current = next
		return nil
	}

	if diff.OrchestratorChanged {
		if err := w.target.UpdateConfig(FullUpdate(diff.NewOrchestrator)); err != nil {
			return fmt.Errorf("apply orchestrator config: %w", err)
		}
	}
	if diff.HostChanged() {
		w.target.DeliverHostConfig(FromConfig(next))
	}
	if diff.SchedulerChanged && w.onScheduler != nil {
		w.onScheduler(diff.NewScheduler)
	}

	slog.Info("config reloaded",
		"specialties_added", diff.SpecialtiesAdded,
		"specialties_removed", diff.SpecialtiesRemoved,
		"specialties_changed", diff.SpecialtiesChanged,
		"keywords_changed", diff.KeywordsChanged,
		"orchestrator_changed", diff.OrchestratorChanged)
	w.current = next
	return nil
}
