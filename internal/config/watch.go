package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Wikid82/cerberus/internal/logger"
)

// WatchPolicy reloads the policy file whenever it changes and hands the result to
// onChange. The parent directory is watched because editors usually replace the
// file instead of writing it in place. A file that fails to parse is logged and
// the previous policy stays active. WatchPolicy blocks until ctx is done.
func WatchPolicy(ctx context.Context, path string, onChange func(Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadPolicy(target)
			if err != nil {
				logger.Log().WithError(err).WithField("path", target).Warn("policy reload failed, keeping previous policy")
				continue
			}
			logger.Log().WithField("path", target).Info("engine policy reloaded")
			onChange(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Log().WithError(err).Warn("policy watcher error")
		}
	}
}
