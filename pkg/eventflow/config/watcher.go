package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a config file and notifies a callback with the
// freshly parsed configuration. A parse failure keeps the previous
// configuration and logs a warning.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and invokes onReload after every
// successful reload. Call Stop to clean up.
func Watch(path string, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run(onReload)
	return w, nil
}

func (w *Watcher) run(onReload func(*Config)) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := FromFile(w.path)
			if err != nil {
				if w.logger != nil {
					w.logger.Warn("config reload failed, keeping previous config",
						slog.String("path", w.path),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if w.logger != nil {
				w.logger.Info("config reloaded", slog.String("path", w.path))
			}
			onReload(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", slog.String("error", err.Error()))
			}

		case <-w.done:
			return
		}
	}
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
