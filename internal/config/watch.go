package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/rtun/internal/util"
)

// Watch reloads the file at path whenever it changes and passes the new
// configuration to apply. Only settings safe to change at run time should be
// used by apply. The directory is watched so editors that replace the file
// are followed. Watch returns once the watcher is running; it stops when ctx
// is cancelled.
func Watch(ctx context.Context, path string, log util.Logger, apply func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}

				cfg, err := Load(abs, false)
				if err != nil {
					log.Errorf("failed to reload config: %v", err)
					continue
				}
				log.Debugf("config reloaded from %s", abs)
				apply(cfg)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher: %v", err)

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
