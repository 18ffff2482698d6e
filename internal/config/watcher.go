package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskkeeper/internal/logging"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. The directory is watched rather
// than the file so that editors replacing the file by rename are seen.
type Watcher struct {
	dir    string
	logger *logging.Logger
	events chan ReloadEvent
}

func NewWatcher(dir string, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		dir:    dir,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is done, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	target := filepath.Clean(Path(w.dir))
	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Logf(logging.Info, "config_changed path=%s op=%s", ev.Name, ev.Op)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Logf(logging.Error, "config_watch: %v", err)
			}
		}
	}()
	return nil
}
