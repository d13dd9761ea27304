package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/paybridge/internal/logger"
)

// Watcher reloads a config file whenever it changes on disk
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	log      *logger.Logger
}

// NewWatcher watches path. The parent directory is watched so that editors
// replacing the file by rename are noticed.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  watcher,
		log:      logger.Global().WithPrefix("config"),
	}, nil
}

// Run delivers reloaded configs until ctx is done. Files that fail to load
// or validate are logged and skipped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("Ignoring unreadable config %s: %v", w.path, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn("Ignoring invalid config %s: %v", w.path, err)
		return
	}
	w.log.Info("Reloaded %s", w.path)
	w.onChange(cfg)
}
