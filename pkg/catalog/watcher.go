package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives a freshly loaded catalog.
type ReloadFunc func(ctx context.Context, f *File) error

// WatcherConfig holds configuration for the watcher.
type WatcherConfig struct {
	Path string
	// StabilityThreshold is how long the file must be quiet before reload
	StabilityThreshold time.Duration
	OnReload           ReloadFunc
	Logger             zerolog.Logger
}

// Watcher reloads the catalog file when it changes. A file that fails to
// load is logged and the previously applied catalog stays in effect.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	threshold time.Duration
	onReload  ReloadFunc
	logger    zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a catalog watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:   watcher,
		path:      path,
		threshold: cfg.StabilityThreshold,
		onReload:  cfg.OnReload,
		logger:    cfg.Logger.With().Str("component", "catalog_watcher").Str("path", path).Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Msg("Catalog watcher started")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		err = w.watcher.Close()
		w.wg.Wait()
		w.logger.Info().Msg("Catalog watcher stopped")
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// debounce collapses bursts of writes into one reload.
func (w *Watcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.threshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Catalog reload failed, keeping previous catalog")
		return
	}
	if err := w.onReload(context.Background(), f); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply reloaded catalog")
		return
	}
	w.logger.Info().Msg("Catalog reloaded")
}
