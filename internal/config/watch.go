package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/robust/internal/logger"
)

// reloadDelay collapses the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it is written or replaced and passes the new
// configuration to onChange. Files that fail to load are logged and skipped.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so that atomic replacements are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	log := logger.For("config")
	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(reloadDelay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(reloadDelay)
			}
		case <-reload:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("ignoring config change: %v", err)
				continue
			}
			log.Info("configuration reloaded from %s", abs)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error: %v", err)
		}
	}
}
