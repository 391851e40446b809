package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gemini_proxy/internal/obs"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new
// configuration to OnChange. A reload that fails keeps the previous one.
type Watcher struct {
	opts     LoadOptions
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *obs.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	started  bool
	stopOnce sync.Once
}

type WatcherConfig struct {
	Load     LoadOptions
	Debounce time.Duration
	Logger   *obs.Logger
	OnChange func(*Config)
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	path := cfg.Load.configPath()
	if path == "" {
		return nil, fmt.Errorf("watch config: no config file set")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Nop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Editors often replace the file, so the directory is watched and
	// events are filtered by name.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		opts:     cfg.Load,
		path:     abs,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop()
	w.logger.Event(obs.LevelNormal, "config_watch").Str("path", w.path).Msg("watching config file")
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config_watch", err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	cfg, err := Load(w.opts)
	if err != nil {
		w.logger.Error("config_reload", err).Str("path", w.path).Msg("config reload failed, keeping previous settings")
		return
	}
	w.logger.Event(obs.LevelMinimal, "config_reload").Str("path", w.path).Str("log_level", cfg.LogLevel).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop ends watching. It satisfies the server stopper signature.
func (w *Watcher) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		started := w.started
		w.mu.Unlock()
		err = w.watcher.Close()
		if !started {
			return
		}
		select {
		case <-w.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
