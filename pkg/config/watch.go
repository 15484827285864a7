package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the document at path into the store whenever the file is
// rewritten on disk. A document that fails to parse or validate is logged and
// skipped; the live document stays in place. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// rename-based atomic writes (editors, `mv` deploys) keep being observed.
func Watch(ctx context.Context, path string, store *Store, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("config-watch")

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	reload := func() {
		doc, err := Load(abs)
		if err != nil {
			logger.Warn("reload skipped", zap.Error(err))
			return
		}
		if err := store.Apply(doc); err != nil {
			logger.Warn("reload rejected", zap.Error(err))
			return
		}
		logger.Info("configuration reloaded", zap.String("path", abs))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
