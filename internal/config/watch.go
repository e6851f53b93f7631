package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/picobot-run/picobot/internal/channelprofile"
)

// Watcher reloads the config file on write/rename events and pushes the new
// channel permission profile set into a live channelprofile.Registry,
// matching SPEC_FULL.md's "fsnotify/fsnotify -> internal/config/watch.go ->
// live config-file reload" wiring. Parse/validation failures are logged and
// ignored rather than crashing the process mid-flight: an operator mid-edit
// of the file produces a transient invalid intermediate state that the next
// save corrects.
type Watcher struct {
	path     string
	registry *channelprofile.Registry
	onReload func(*Config)
	log      *slog.Logger

	watcher *fsnotify.Watcher
}

// NewWatcher starts watching the directory containing path (fsnotify
// watches directories, not bare files, so it still fires on editors that
// replace the file via rename-over-write) and applies reloads to registry.
// onReload, if non-nil, is called with the freshly loaded config after
// the registry has been updated.
func NewWatcher(path string, registry *channelprofile.Registry, onReload func(*Config), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, registry: registry, onReload: onReload, log: log, watcher: fw}, nil
}

// Run blocks, applying reloads until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	reg, err := BuildChannelProfileRegistry(cfg.Channels)
	if err != nil {
		w.log.Error("config reload produced an invalid channel profile set, keeping previous", "error", err)
		return
	}
	def, byChannelID, byType := reg.Snapshot()
	w.registry.Replace(def, byChannelID, byType)
	w.log.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
