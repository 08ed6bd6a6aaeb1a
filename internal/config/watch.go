package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the event bursts editors and orchestrators emit
// when rewriting a file.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to apply. Load or apply failures keep the previous
// configuration in force.
type Watcher struct {
	path  string
	apply func(ctx context.Context, cfg *Config) error

	debounce time.Duration
}

// NewWatcher creates a watcher for path. apply runs on the watcher goroutine
// after each successful reload.
func NewWatcher(path string, apply func(ctx context.Context, cfg *Config) error) *Watcher {
	return &Watcher{path: path, apply: apply, debounce: debounceDelay}
}

// Run watches until ctx is cancelled. It watches the parent directory rather
// than the file: editors replace files by rename, which silently drops a
// watch held on the file itself.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "config watcher error",
				slog.String("error", err.Error()),
			)

		case <-pending:
			timer = nil
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "config reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := w.apply(ctx, cfg); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "config apply failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "config reloaded",
		slog.String("path", w.path),
	)
}
