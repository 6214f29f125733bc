package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is invoked with the freshly loaded config after the file
// changes on disk and passes validation.
type ReloadCallback func(cfg *Config)

// Watcher hot-reloads the config file. Editors replace files via rename,
// so the parent directory is watched and events are debounced.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	onReload ReloadCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stateMu sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

const reloadDebounce = 250 * time.Millisecond

// NewWatcher creates a config watcher. Start must be called to begin
// watching.
func NewWatcher(loader *Loader, onReload ReloadCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		watcher:  fsw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the config file's directory for changes.
func (w *Watcher) Start() error {
	configPath := w.loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := w.watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.stateMu.Lock()
	w.started = true
	w.stateMu.Unlock()

	go w.run(configPath)

	log.Info().Str("path", configPath).Msg("Config watcher started")
	return nil
}

// Stop halts watching. Safe to call when Start failed or was never
// called, and safe to call more than once.
func (w *Watcher) Stop() {
	w.stateMu.Lock()
	if w.stopped {
		w.stateMu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.stateMu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	if started {
		<-w.doneCh
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
}

func (w *Watcher) run(configPath string) {
	defer close(w.doneCh)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	log.Info().Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
