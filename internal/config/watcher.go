package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watched file kinds.
const (
	FileConfig = "config"
	FilePolicy = "policy"
)

type ReloadEvent struct {
	Path string
	Kind string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and the policy file. It watches
// the parent directories so files replaced by rename are still seen.
type Watcher struct {
	files  map[string]string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		files: map[string]string{
			filepath.Clean(ConfigPath(cfg.HomeDir)): FileConfig,
			filepath.Clean(cfg.PolicyPath()):        FilePolicy,
		},
		logger: logger.With("component", "config_watcher"),
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}

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
				kind, watched := w.files[filepath.Clean(ev.Name)]
				if !watched {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "kind", kind, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
