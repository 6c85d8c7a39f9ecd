package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "nowplaying/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// loaded pairs a config with its canonical encoding for change detection.
type loaded struct {
	cfg       *Config
	canonical []byte
}

// ConfigManager holds the active config and republishes it when the file changes.
type ConfigManager struct {
	path string
	log  logx.Logger

	cur atomic.Pointer[loaded]

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) read() (*loaded, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return &loaded{cfg: cfg, canonical: canonical}, nil
}

// Load reads, validates and activates the file.
func (m *ConfigManager) Load() (*Config, error) {
	l, err := m.read()
	if err != nil {
		return nil, err
	}
	m.cur.Store(l)
	return l.cfg, nil
}

func (m *ConfigManager) Get() *Config {
	if l := m.cur.Load(); l != nil {
		return l.cfg
	}
	return nil
}

// Subscribe returns a channel that receives every newly activated config.
// A subscriber that falls behind only ever misses older configs.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload activates the file if it parses and differs from the active config.
func (m *ConfigManager) reload() {
	next, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
		return
	}
	prev := m.cur.Load()
	if prev != nil && bytes.Equal(prev.canonical, next.canonical) {
		return
	}
	m.cur.Store(next)
	m.broadcast(next.cfg)

	var changed []string
	if prev != nil {
		changed = ChangedSections(prev.cfg, next.cfg)
	}
	m.log.Info("config reloaded", logx.String("path", m.path), logx.Strings("changed", changed))
}

// Watch reloads the file after writes settle, until ctx ends. The parent
// directory is watched so atomic rename-over saves are seen. A broken watcher
// is returned as an error for the caller's restart loop.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: events closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				settle.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
