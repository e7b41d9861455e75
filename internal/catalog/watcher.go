package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher calls a reload function after files under its watched paths
// change. Bursts of events are collapsed into one call.
type Watcher struct {
	watcher  *fsnotify.Watcher
	targets  map[string]func(ctx context.Context)
	debounce time.Duration
	log      *logger.Logger
}

// NewWatcher creates a Watcher with no targets.
func NewWatcher(log *logger.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catalog watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		targets:  make(map[string]func(ctx context.Context)),
		debounce: defaultDebounce,
		log:      log,
	}, nil
}

// Add registers reload for path, which may be a file or a directory. Files
// are watched through their parent directory so editors that replace the
// file on save are still seen.
func (w *Watcher) Add(path string, reload func(ctx context.Context)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	dir := abs
	if !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	w.targets[abs] = reload
	return nil
}

// Run dispatches events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if target := w.match(ev.Name); target != "" {
				pending[target] = struct{}{}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Catalog watcher error")

		case <-timer.C:
			for target := range pending {
				w.log.Info().Str("path", target).Msg("Reloading after file change")
				w.targets[target](ctx)
			}
			pending = make(map[string]struct{})
		}
	}
}

// match returns the registered target an event path belongs to.
func (w *Watcher) match(name string) string {
	abs, err := filepath.Abs(name)
	if err != nil {
		return ""
	}
	if _, ok := w.targets[abs]; ok {
		return abs
	}
	dir := filepath.Dir(abs)
	if _, ok := w.targets[dir]; ok && isCatalogFile(filepath.Base(abs)) {
		return dir
	}
	return ""
}
