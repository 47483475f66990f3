package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "groupcast/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// successfully parsed and validated snapshot to the registered callback.
// Broken intermediate writes are logged and skipped; the last good config
// stays in effect.
type Watcher struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	current *Config
	onApply func(*Config)

	timer *time.Timer
}

func NewWatcher(path string, initial *Config, onApply func(*Config), log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		path:    path,
		current: initial,
		onApply: onApply,
		log:     log.With(logx.String("component", "config")),
	}
}

// Current returns the last applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run blocks watching the file until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files via rename, which drops a
	// watch placed on the file itself.
	if err := fw.Add(dirOf(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !sameFile(ev.Name, w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", logx.Err(err))
		}
	}
}

// scheduleReload debounces bursts of write events from editors and copies.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("reload rejected", logx.String("path", w.path), logx.Err(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	apply := w.onApply
	w.mu.Unlock()

	if apply != nil {
		apply(cfg)
	}
	w.log.Info("config reloaded", logx.String("path", w.path))
}

func dirOf(path string) string { return filepath.Dir(filepath.Clean(path)) }

func sameFile(a, b string) bool { return filepath.Clean(a) == filepath.Clean(b) }
