package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes every valid result to
// onChange until ctx is cancelled. Invalid edits are logged and skipped.
func Watch(ctx context.Context, path string, log *logrus.Entry, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(path)
		timer := time.NewTimer(reloadDebounce)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(reloadDebounce)

			case <-timer.C:
				cfg, err := Load(path)
				if err != nil {
					log.WithFields(logrus.Fields{
						"function": "Watch",
						"path":     path,
						"error":    err.Error(),
					}).Warn("Ignoring invalid config change")
					continue
				}
				log.WithFields(logrus.Fields{
					"function": "Watch",
					"path":     path,
				}).Info("Config reloaded")
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithFields(logrus.Fields{
					"function": "Watch",
					"error":    err.Error(),
				}).Warn("File watcher error")
			}
		}
	}()

	return nil
}
