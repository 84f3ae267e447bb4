package tuning

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes and passes each valid result to fn.
// The parent directory is watched so editors that replace the file by rename
// are picked up. Invalid files are logged and skipped. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, log *zap.Logger, fn func(Tuning)) error {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tuning watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("tuning watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			t, err := Load(abs)
			if err != nil {
				log.Warn("tuning reload rejected", zap.String("path", abs), zap.Error(err))
				continue
			}
			log.Info("tuning reloaded", zap.String("path", abs), zap.Int64("cap", t.Cap))
			fn(t)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("tuning watcher error", zap.Error(err))
		}
	}
}
