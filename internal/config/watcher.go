package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// debounceWindow coalesces bursts of write events from editors that save via
// truncate+write or atomic rename.
const debounceWindow = 300 * time.Millisecond

// Watcher monitors the config file and re-delivers the [agents] section on
// change, so new agent types can be registered without a restart.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	onReload  func(map[string]AgentDef)
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a watcher for the given config file. onReload is called
// with the parsed agents section after every observed change.
func NewWatcher(path string, onReload func(map[string]AgentDef)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the parent directory so atomic renames are observed.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		watcher:  w,
		path:     abs,
		onReload: onReload,
		closeCh:  make(chan struct{}),
	}, nil
}

// Start begins watching for file changes (non-blocking).
func (w *Watcher) Start() {
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	log := logging.ForComponent(logging.CompConfig)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
			}
			debounce.Reset(debounceWindow)
			pending = true

		case <-debounce.C:
			pending = false
			cfg, err := Load(w.path)
			if err != nil {
				log.Warn("config_reload_failed", "path", w.path, "error", err)
				continue
			}
			log.Info("config_reloaded", "path", w.path, "agents", len(cfg.Agents))
			w.onReload(cfg.Agents)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config_watch_error", "error", err)
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.watcher.Close()
	})
}
