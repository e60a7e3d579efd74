package config

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "paced/pkg/logx"
)

const (
	// Editors write config files in bursts (truncate, write, rename);
	// reloads run only after the file has been quiet this long.
	reloadDebounce = 250 * time.Millisecond

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	validateTimeout = 5 * time.Second
)

// Manager owns the config file: initial load, strict decode, and hot
// reload via fsnotify. It serves exactly one reload consumer; validated
// updates land on a one-slot channel where a newer config replaces an
// undelivered older one (Updates).
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	updates chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, updates: make(chan *Config, 1)}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
// A rejected config is dropped; the previous one stays committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeConfig(m.path, b)
}

// Load parses and commits the file. Used once at startup; reloads flow
// through Watch.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the last committed config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Updates is the reload stream. Single consumer; when it lags, older
// undelivered configs are replaced by newer ones, never queued.
func (m *Manager) Updates() <-chan *Config {
	return m.updates
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// offer publishes cfg to the updates channel, displacing an undelivered
// predecessor. Never blocks.
func (m *Manager) offer(cfg *Config) {
	select {
	case m.updates <- cfg:
		return
	default:
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- cfg:
	default:
	}
}

// reload parses, validates, commits and publishes the file's current
// content. Unchanged content and rejected configs are dropped quietly;
// the caller keeps watching either way.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping reload", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.offer(cfg)
	m.log.Debug("config reload published", logx.String("path", m.path))
}

// Watch runs the file watcher until ctx is cancelled. Each watcher
// incarnation that breaks (channel closure, backend errors) is recreated
// with jittered exponential backoff; a long healthy run resets the
// backoff window.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for {
		started := time.Now()
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= time.Minute {
			backoff = watchBackoffMin
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher stopped; restarting",
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
}

// watchOnce drives one fsnotify watcher until it breaks. Returns nil
// only on ctx cancellation. The debounce timer lives on this goroutine,
// so reloads never race the event loop.
func (m *Manager) watchOnce(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", base))

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			armed = false
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			// Match by basename; editors touch the file via rename and
			// recreate as often as plain writes.
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if armed && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(reloadDebounce)
			armed = true

		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			// Overflow means dropped events; reload once (the content
			// hash makes a spurious reload a no-op) and keep watching.
			msg := strings.ToLower(werr.Error())
			if strings.Contains(msg, "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				m.reload(ctx)
				continue
			}
			// Some backends surface watcher closure as an error.
			if strings.Contains(msg, "closed") {
				return werr
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}
