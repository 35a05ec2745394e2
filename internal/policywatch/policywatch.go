// Package policywatch watches the Permission Guard's pattern file on disk
// and hot-reloads it into the running Guard without a restart. A bad edit
// (invalid YAML, invalid regex) is logged and ignored; the previously
// compiled pattern set stays in force.
package policywatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldstation/conductor/internal/guard"
)

// debounceWindow coalesces the rename+write pair many editors emit on save
// into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads path into g whenever the file changes on disk.
type Watcher struct {
	path   string
	guard  *guard.Guard
	logger *slog.Logger
}

// New constructs a Watcher for path, applying reloads to g.
func New(path string, g *guard.Guard, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, guard: g, logger: logger}
}

// Start begins watching in the background until ctx is cancelled. It
// returns once the initial fsnotify watch is established; reload failures
// afterward are logged, never returned.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounceWindow)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("policy watcher error", "error", err)
			case <-timerC:
				w.reload()
				timerC = nil
			}
		}
	}()

	return nil
}

func (w *Watcher) reload() {
	blocked, warnings, err := guard.LoadPatternFile(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping last-good pattern set", "path", w.path, "error", err)
		return
	}
	w.guard.Swap(blocked, warnings)
	w.logger.Info("policy reloaded", "path", w.path)
}
