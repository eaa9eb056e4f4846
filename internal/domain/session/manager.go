package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/id"
)

var (
	// ErrSessionNotFound is returned for unknown live session IDs.
	ErrSessionNotFound = errors.New("no such live session")
	// ErrTooManySessions is returned when the live session ceiling is hit.
	ErrTooManySessions = errors.New("too many live sessions")
)

// ManagerConfig bounds live sessions. Zero values disable each limit.
type ManagerConfig struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Entry is a live session.
type Entry struct {
	ID      id.SessionID
	Session *sandbox.Session

	mu       sync.Mutex
	name     string
	lastUsed atomic.Int64
	inUse    atomic.Int32
}

// Name returns the stored name the session was loaded from or saved as.
func (e *Entry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *Entry) setName(name string) {
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
}

// LastUsed returns when the session was last handed out or released.
func (e *Entry) LastUsed() time.Time {
	return time.Unix(0, e.lastUsed.Load())
}

func (e *Entry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// Summary describes a live session.
type Summary struct {
	ID       id.SessionID         `json:"id"`
	Name     string               `json:"name,omitempty"`
	LastUsed time.Time            `json:"last_used"`
	Busy     bool                 `json:"busy"`
	Stats    sandbox.SessionStats `json:"stats"`
}

// Manager tracks live sessions keyed by ID.
type Manager struct {
	registry *Registry
	cfg      ManagerConfig
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	mu       sync.RWMutex
	sessions map[id.SessionID]*Entry
}

// NewManager creates a manager. logger and metrics may be nil.
func NewManager(registry *Registry, cfg ManagerConfig, logger *zap.Logger, metrics *monitoring.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[id.SessionID]*Entry),
	}
}

// Registry returns the registry used for persistence.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Create starts a fresh live session.
func (m *Manager) Create(ctx context.Context) (*Entry, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	sess, err := m.registry.Sandbox().NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return m.add(sess, ""), nil
}

// Open loads the session stored under name into a new live session.
func (m *Manager) Open(ctx context.Context, name string) (*Entry, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	sess, err := m.registry.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.add(sess, name), nil
}

// reserve makes room for one more session, evicting idle ones if needed.
func (m *Manager) reserve() error {
	if m.cfg.MaxSessions <= 0 {
		return nil
	}
	if m.Len() < m.cfg.MaxSessions {
		return nil
	}
	m.EvictIdle()
	if m.Len() >= m.cfg.MaxSessions {
		return fmt.Errorf("%w (max %d)", ErrTooManySessions, m.cfg.MaxSessions)
	}
	return nil
}

func (m *Manager) add(sess *sandbox.Session, name string) *Entry {
	e := &Entry{ID: id.NewSessionID(), Session: sess, name: name}
	e.touch()

	m.mu.Lock()
	m.sessions[e.ID] = e
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessionsActive(n)
	m.logger.Debug("Session created", zap.String("id", e.ID.String()), zap.String("name", name))
	return e
}

// Get returns the live session with the given ID.
func (m *Manager) Get(sid id.SessionID) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	e.touch()
	return e, nil
}

// Use runs fn with the live session. The session is not evicted while fn
// runs.
func (m *Manager) Use(sid id.SessionID, fn func(*Entry) error) error {
	e, err := m.Get(sid)
	if err != nil {
		return err
	}
	e.inUse.Add(1)
	defer func() {
		e.touch()
		e.inUse.Add(-1)
	}()
	return fn(e)
}

// Save persists the live session under name.
func (m *Manager) Save(ctx context.Context, sid id.SessionID, name string) error {
	return m.Use(sid, func(e *Entry) error {
		if err := m.registry.Save(ctx, name, e.Session); err != nil {
			return err
		}
		e.setName(name)
		return nil
	})
}

// Delete drops a live session. Its stored state, if any, is kept.
func (m *Manager) Delete(sid id.SessionID) error {
	m.mu.Lock()
	_, ok := m.sessions[sid]
	delete(m.sessions, sid)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	m.metrics.SetSessionsActive(n)
	return nil
}

// List describes the live sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		s := Summary{
			ID:       e.ID,
			Name:     e.Name(),
			LastUsed: e.LastUsed(),
			Busy:     e.inUse.Load() > 0,
		}
		// A busy session holds its lock for the whole execution.
		if !s.Busy {
			s.Stats = e.Session.Stats()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle drops sessions unused for longer than the idle timeout and
// returns how many were dropped. Sessions in use are never evicted.
func (m *Manager) EvictIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var evicted []id.SessionID
	for sid, e := range m.sessions {
		if e.inUse.Load() == 0 && e.LastUsed().Before(cutoff) {
			delete(m.sessions, sid)
			evicted = append(evicted, sid)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, sid := range evicted {
		m.metrics.IncSessionsEvicted()
		m.logger.Info("Evicted idle session", zap.String("id", sid.String()))
	}
	if len(evicted) > 0 {
		m.metrics.SetSessionsActive(n)
	}
	return len(evicted)
}

// Run evicts idle sessions periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Close drops every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessionsActive(0)
}
