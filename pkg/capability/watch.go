package capability

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 500 * time.Millisecond

// Watch reloads the model script when it changes on disk. The containing
// directory is watched so editors that replace the file are picked up.
// Watching stops when ctx is cancelled.
func (d *Discoverer) Watch(ctx context.Context) error {
	path, err := filepath.Abs(d.location)
	if err != nil {
		return fmt.Errorf("failed to resolve script path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go d.processEvents(ctx, watcher, path)

	d.logger.Info().Msg("Watching model script for changes")
	return nil
}

func (d *Discoverer) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			d.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Model script changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				_, err := d.Reload(ctx)
				if err != nil {
					d.logger.Error().Err(err).Msg("Failed to reload model script")
				}
				if d.onReload != nil {
					d.onReload(err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
