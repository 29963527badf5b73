package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches the config file and hands each valid new version to apply.
// An invalid file is logged and the running config is kept.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    func(*Config)
	log      *zap.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewReloader watches the directory holding path, so editors that replace
// the file by rename are still seen.
func NewReloader(path string, apply func(*Config), log *zap.Logger) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		apply:    apply,
		log:      log,
		debounce: DefaultDebounce,
	}, nil
}

// Run watches for changes until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
			}
			r.mu.Unlock()
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				r.schedule()
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Error("config reload failed, keeping current config", zap.String("path", r.path), zap.Error(err))
		return
	}
	r.apply(cfg)
	r.log.Info("config reloaded", zap.String("path", r.path))
}
