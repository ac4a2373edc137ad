package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "genbot/pkg/logx"
)

// Manager loads the config file, keeps the committed copy and republishes
// validated changes to subscribers.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu also guards sends so publish never races Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	debounce time.Duration
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// read decodes and validates the file without committing it.
func (m *Manager) read() (*Config, uint64, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, 0, err
	}
	if err := Validate(cfg); err != nil {
		return nil, 0, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, fingerprint(cfg), nil
}

// Load reads, validates and commits the file.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last committed config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its
// oldest queued config so the newest always gets in.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for attempt := 0; attempt < 2; attempt++ {
			select {
			case ch <- cfg:
				attempt = 2
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// reload runs after the debounce delay. Broken or invalid edits are logged
// and the committed config stays in place.
func (m *Manager) reload() {
	cfg, h, err := m.read()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.Lock()
	if h != 0 && h == m.lastHash {
		m.mu.Unlock()
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()

	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the file on change until ctx is done. The parent directory
// is watched since editors often replace files by rename. It returns an
// error when the watcher breaks; callers restart it with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	trigger := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(m.debounce, m.reload)
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				trigger()
				continue
			}
			if err != nil {
				return fmt.Errorf("config watch: %w", err)
			}
		}
	}
}
