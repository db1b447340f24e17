package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Watcher hot-reloads a configuration document's plugins and bindings
// sections in place, without restarting the gateway. In-flight sessions
// are unaffected: a session handle already holds a resolved agent
// identity. Only what onReload forwards reaches the running gateway
// (the bindings, via the router); the Sandbox Host keeps the plugins it
// registered at startup.
type Watcher struct {
	path     string
	cfg      *Config
	fsw      *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher starts watching the file at path itself (not its
// directory) for writes and creates. onReload, if non-nil, runs after
// every successful reload with the lock released, so the caller can
// propagate the new plugins/bindings sections to collaborators config
// itself doesn't know about (e.g. sessions.Router.UpdateBindings).
func NewWatcher(path string, cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{path: path, cfg: cfg, fsw: fsw, onReload: onReload}, nil
}

// Run blocks processing filesystem events until stop is closed. Each
// write/create event triggers an attempted reload; a reload that fails
// validation is logged and the previous in-memory config is kept.
func (w *Watcher) Run(stop <-chan struct{}) {
	defer w.fsw.Close()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				slog.Warn("config.reload_failed", "error", err)
				continue
			}
			slog.Info("config.reloaded", "path", w.path)
			if w.onReload != nil {
				w.onReload(w.cfg)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config.watch_error", "error", err)

		case <-stop:
			return
		}
	}
}

// reload re-parses the document and swaps in only its plugins and
// bindings sections. Gateway/agent/memory sections are intentionally
// left untouched on a hot reload: changing bind address or provider
// credentials without a restart would leave live connections and
// in-flight rounds in an inconsistent state.
func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", w.path, err)
	}

	next := Default()
	if err := json5.Unmarshal(data, next); err != nil {
		return fmt.Errorf("config: parse %s: %w", w.path, err)
	}
	applyEnvOverrides(next)
	if err := ResolveCredentials(next); err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}

	w.cfg.Lock()
	defer w.cfg.Unlock()
	w.cfg.Plugins = next.Plugins
	w.cfg.Bindings = next.Bindings
	return nil
}

// MarshalSnapshot returns the current plugins/bindings sections encoded
// as JSON, useful for doctor-style introspection after a reload.
func (w *Watcher) MarshalSnapshot() ([]byte, error) {
	w.cfg.RLock()
	defer w.cfg.RUnlock()
	return json.Marshal(struct {
		Plugins  []PluginConfig  `json:"plugins"`
		Bindings []BindingConfig `json:"bindings"`
	}{Plugins: w.cfg.Plugins, Bindings: w.cfg.Bindings})
}
