package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a FileSource into a Registry when the file changes.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
type Watcher struct {
	registry *Registry
	source   *FileSource
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a Watcher. A zero debounce defaults to 250ms.
func NewWatcher(reg *Registry, src *FileSource, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{registry: reg, source: src, debounce: debounce, logger: logger}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	target := filepath.Clean(w.source.Path())
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := w.registry.Reload(loadCtx, w.source); err != nil {
				w.logger.Warn("tool registry reload failed, keeping previous snapshot",
					zap.String("file", target),
					zap.Error(err),
				)
			}
			cancel()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("tool registry watcher error", zap.Error(err))
		}
	}
}
