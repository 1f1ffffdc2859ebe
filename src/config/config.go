// Package config loads the supervisor's TOML configuration file and
// keeps it current via a filesystem watch, so operators can tune
// timeouts and buffer sizes without restarting a process that is
// holding live PTY sessions open.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Session holds shell-spawning defaults.
type Session struct {
	DefaultShell       string `toml:"default_shell"`
	IdleTimeout        string `toml:"idle_timeout"`
	SpawnReadyTimeout  string `toml:"spawn_ready_timeout"`
	KillSafetyTimeout  string `toml:"kill_safety_timeout"`
}

// Ring holds Output Ring sizing.
type Ring struct {
	CapBytes int `toml:"cap_bytes"`
}

// Subscribe holds replay-on-attach tuning.
type Subscribe struct {
	ReplayDelay string `toml:"replay_delay"`
}

// Diagnostics holds FD-pressure thresholds and probe timeouts.
type Diagnostics struct {
	FDWarnPercent     int    `toml:"fd_warn_percent"`
	FDCriticalPercent int    `toml:"fd_critical_percent"`
	FDSoftLimitFloor  int    `toml:"fd_soft_limit_floor"`
	WorkerProbeTimeout string `toml:"worker_probe_timeout"`
}

// Locale holds locale-propagation defaults for spawned shells.
type Locale struct {
	SetLocaleDefault bool   `toml:"set_locale_default"`
	FallbackLang     string `toml:"fallback_lang"`
}

// Config is the full decoded shape of the TOML configuration file.
type Config struct {
	Session     Session     `toml:"session"`
	Ring        Ring        `toml:"ring"`
	Subscribe   Subscribe   `toml:"subscribe"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Locale      Locale      `toml:"locale"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Session: Session{
			DefaultShell:      "",
			IdleTimeout:       "0s",
			SpawnReadyTimeout: "5s",
			KillSafetyTimeout: "500ms",
		},
		Ring: Ring{CapBytes: 100 * 1024},
		Subscribe: Subscribe{
			ReplayDelay: "50ms",
		},
		Diagnostics: Diagnostics{
			FDWarnPercent:      75,
			FDCriticalPercent:  90,
			FDSoftLimitFloor:   256,
			WorkerProbeTimeout: "2s",
		},
		Locale: Locale{
			SetLocaleDefault: false,
			FallbackLang:     "en_US.UTF-8",
		},
	}
}

// IdleTimeoutDuration parses Session.IdleTimeout; an empty or zero
// value means "no idle timeout".
func (c Config) IdleTimeoutDuration() time.Duration {
	return mustParseOrZero(c.Session.IdleTimeout)
}

// SpawnReadyTimeoutDuration parses Session.SpawnReadyTimeout.
func (c Config) SpawnReadyTimeoutDuration() time.Duration {
	d := mustParseOrZero(c.Session.SpawnReadyTimeout)
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// KillSafetyTimeoutDuration parses Session.KillSafetyTimeout.
func (c Config) KillSafetyTimeoutDuration() time.Duration {
	d := mustParseOrZero(c.Session.KillSafetyTimeout)
	if d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// ReplayDelayDuration parses Subscribe.ReplayDelay.
func (c Config) ReplayDelayDuration() time.Duration {
	d := mustParseOrZero(c.Subscribe.ReplayDelay)
	if d < 0 {
		return 0
	}
	return d
}

// WorkerProbeTimeoutDuration parses Diagnostics.WorkerProbeTimeout.
func (c Config) WorkerProbeTimeoutDuration() time.Duration {
	d := mustParseOrZero(c.Diagnostics.WorkerProbeTimeout)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

func mustParseOrZero(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Manager loads a Config from a TOML file and keeps the most recently
// loaded value available, reloading whenever fsnotify reports the
// file changed. Reads and writes of the held config go through a
// RWMutex so hot-reload never races a concurrent read by the
// supervisor.
type Manager struct {
	path string
	log  *logrus.Logger

	mu  sync.RWMutex
	cur Config

	watcher *fsnotify.Watcher
	onLoad  func(Config)
}

// NewManager loads path once synchronously. If path is empty or does
// not exist, it falls back to Default() rather than failing, since the
// supervisor should still be usable with zero configuration.
func NewManager(path string, log *logrus.Logger) (*Manager, error) {
	m := &Manager{path: path, log: log, cur: Default()}
	if path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnReload registers a callback invoked (from the watcher goroutine)
// every time the file is successfully reloaded. It is not called for
// the initial load performed by NewManager.
func (m *Manager) OnReload(fn func(Config)) {
	m.onLoad = fn
}

func (m *Manager) load() error {
	cfg := Default()
	if _, err := toml.DecodeFile(m.path, &cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.cur = cfg
	m.mu.Unlock()
	return nil
}

// Current returns the most recently loaded configuration snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// WatchAndReload starts an fsnotify watch on the config file's
// directory, reloading whenever the file is written or recreated
// (editors commonly replace a file rather than write in place). It
// runs until ctx-like stop is requested via Close.
func (m *Manager) WatchAndReload() error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	dir := parentDir(m.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name != m.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.load(); err != nil {
					if m.log != nil {
						m.log.Warnf("config: reload %s failed: %v", m.path, err)
					}
					continue
				}
				if m.log != nil {
					m.log.Infof("config: reloaded %s", m.path)
				}
				if m.onLoad != nil {
					m.onLoad(m.Current())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if m.log != nil {
					m.log.Warnf("config: watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watch, if one was started.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
