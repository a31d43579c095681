package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSeedFile reloads the seed file into reg whenever it changes, until ctx is done.
// A seed that fails to load is logged and the previous configuration stays active.
func WatchSeedFile(ctx context.Context, path string, reg *MemoryRegistry, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			next, err := LoadSeedFile(path, reg.Defaults())
			if err != nil {
				logger.Warn("seed reload failed, keeping previous configuration",
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}
			reg.ReplaceWith(next)
			logger.Info("seed configuration reloaded", zap.String("path", path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("seed watcher error", zap.Error(err))
		}
	}
}
