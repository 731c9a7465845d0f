// internal/syncer/watch.go

package syncer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
)

// DefaultDebounce coalesces editor save bursts into a single mirror pass.
const DefaultDebounce = time.Second

// Watch mirrors once, then keeps mirroring whenever files under the local
// project change, until the context is cancelled. Changes arriving within
// the debounce window are coalesced into one pass.
func (s *Syncer) Watch(ctx context.Context, cfg *config.Config, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.New(apperr.IOError, "failed to create filesystem watcher", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, cfg.LocalDir); err != nil {
		return err
	}

	if err := s.Sync(ctx, cfg); err != nil {
		logger.Warnf("initial sync pass failed: %v", err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if config.Ignored(filepath.Base(event.Name)) {
					continue
				}
				// New directories need their own watch for nested changes.
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := watchTree(watcher, event.Name); err != nil {
							logger.Warnf("cannot watch %s: %v", event.Name, err)
						}
					}
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("watch error: %v", err)
			}
		}
	}()

	logger.Infof("watching %s for changes", cfg.LocalDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			coalesce(ctx, changes, debounce)
			if err := s.Sync(ctx, cfg); err != nil {
				logger.Warnf("sync pass failed: %v", err)
			}
		}
	}
}

// coalesce swallows further change notifications until the window elapses
// with a full quiet period after the last one.
func coalesce(ctx context.Context, changes <-chan struct{}, window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(window)
		case <-timer.C:
			return
		}
	}
}

// watchTree registers a directory and all its non-ignored subdirectories.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && config.Ignored(entry.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return apperr.New(apperr.IOError, "failed to watch project directory", err)
	}
	return nil
}
