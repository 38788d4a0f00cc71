package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors often emit bursts of events for one save, so reloads are
// debounced.
const reloadDebounce = 500 * time.Millisecond

// Manager owns the live configuration and hot-reloads it when the file
// changes. Readers always observe a complete snapshot via Get; subscribers
// registered with OnChange are notified after each successful reload.
type Manager struct {
	path   string
	logger *slog.Logger

	config  atomic.Pointer[Config]
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewManager loads the configuration at path and returns a manager for it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a subscriber invoked with the new configuration after
// each successful reload. Safe to call before or after Watch.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Watch starts watching the configuration file until the context is
// canceled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, m.Reload)

			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Atomic saves replace the file, which drops the watch on
				// the old inode. Re-add the path and pick up the new file.
				if err := m.watcher.Add(m.path); err != nil {
					m.logger.Error("config file vanished, watch lost",
						"path", m.path, "error", err)
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, m.Reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the configuration file, swaps it in, and notifies
// subscribers. A file that fails to load or validate leaves the current
// configuration in place.
func (m *Manager) Reload() {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		return
	}
	m.config.Store(newCfg)

	m.mu.Lock()
	subs := append([]func(*Config){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(newCfg)
	}
	m.logger.Info("configuration reloaded", "subscribers", len(subs))
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
