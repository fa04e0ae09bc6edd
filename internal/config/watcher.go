package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to the config file and module manifest. It watches
// the parent directories so editors that replace files by rename are seen.
type Watcher struct {
	files    map[string]bool
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	pending  atomic.Bool
}

// NewWatcher creates a watcher over paths. Empty paths are ignored.
func NewWatcher(logger *slog.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		files:    make(map[string]bool),
		watcher:  fw,
		logger:   logger.With("component", "config-watcher"),
		debounce: 200 * time.Millisecond,
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Changed reports and clears a pending change.
func (w *Watcher) Changed() bool {
	return w.pending.Swap(false)
}

// Run delivers events until ctx is done. onChange, if set, is called once per
// burst of writes after the debounce interval.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.watcher.Close()
	w.logger.Info("config watcher started", "files", len(w.files))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.pending.Store(true)
			w.logger.Info("config change detected")
			if onChange != nil {
				onChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}
