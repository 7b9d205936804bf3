package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zonewatch/zonewatch/pkg/logger"
)

// Watch installs a filesystem watcher on the config file and returns a
// channel that fires (debounced) when the file is written or recreated.
// Editors replace files rather than writing in place, so the parent
// directory is watched and events filtered by name. The watcher runs until
// the context is canceled.
//
// Only the permissions section applies live; everything else needs a
// restart. The caller re-parses and swaps the grant table on each tick.
func Watch(ctx context.Context, path string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1) // buffer 1 so we never block the sender

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.ErrorCF("config", "Failed to create config watcher", map[string]interface{}{
			"error": err.Error(),
		})
		close(reloadCh)
		return reloadCh
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		logger.WarnCF("config", "Could not watch config directory", map[string]interface{}{
			"path":  abs,
			"error": err.Error(),
		})
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		const debounce = 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(abs) {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						logger.InfoCF("config", "Configuration change detected", map[string]interface{}{
							"file": event.Name,
						})
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					})
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.ErrorCF("config", "Config watcher error", map[string]interface{}{
					"error": werr.Error(),
				})
			}
		}
	}()

	return reloadCh
}
