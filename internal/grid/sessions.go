package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/model"
)

// Session close reasons, as recorded in metrics.
const (
	CloseReasonClosed   = "closed"
	CloseReasonExpired  = "expired"
	CloseReasonShutdown = "shutdown"
)

// Resolver binds a grid id to its configuration and fetcher.
type Resolver interface {
	Resolve(gridID string) (Binding, model.Fetcher, error)
}

// GridLookup finds grid definitions by id.
type GridLookup interface {
	GetGrid(id string) (model.GridDefinition, bool)
}

// FetcherLookup finds the fetcher and base URL of a backend service.
type FetcherLookup interface {
	Fetcher(serviceID string) (model.Fetcher, bool)
	BaseURL(serviceID string) (string, bool)
}

// Catalog resolves grids from definitions and service fetchers.
type Catalog struct {
	grids    GridLookup
	fetchers FetcherLookup
}

// NewCatalog returns a Resolver over grids and fetchers.
func NewCatalog(grids GridLookup, fetchers FetcherLookup) *Catalog {
	return &Catalog{grids: grids, fetchers: fetchers}
}

// Resolve implements Resolver.
func (c *Catalog) Resolve(gridID string) (Binding, model.Fetcher, error) {
	def, ok := c.grids.GetGrid(gridID)
	if !ok {
		return Binding{}, nil, model.NewNotFoundError(fmt.Sprintf("grid %q not found", gridID))
	}
	fetcher, ok := c.fetchers.Fetcher(def.ServiceID)
	if !ok {
		return Binding{}, nil, fmt.Errorf("grid: grid %q references unknown service %q", gridID, def.ServiceID)
	}
	base, _ := c.fetchers.BaseURL(def.ServiceID)
	return BindingFromDefinition(def, base), fetcher, nil
}

// SessionRecorder receives session metrics. *observability.Metrics
// implements it.
type SessionRecorder interface {
	Recorder
	RecordSessionCreated(gridID string)
	RecordSessionClosed(reason string)
}

// Session is one UI grid instance hosted by the Manager.
type Session struct {
	ID          string
	GridID      string
	SubjectID   string
	CreatedAt   time.Time
	Coordinator *Coordinator[Row]

	lastUsed atomic.Int64
}

// LastUsedAt returns when the session was last touched.
func (s *Session) LastUsedAt() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// ManagerConfig bounds the Manager. Zero values disable the corresponding
// limit.
type ManagerConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

// Manager hosts one coordinator per session. Sessions are bound to the
// subject that created them and evicted after IdleTTL without use. Nothing is
// persisted; all sessions end with the process.
type Manager struct {
	cfg      ManagerConfig
	resolver Resolver
	logger   *zap.Logger
	metrics  SessionRecorder
	opts     []Option

	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager returns a Manager. opts are applied to every coordinator it
// creates.
func NewManager(cfg ManagerConfig, resolver Resolver, logger *zap.Logger, metrics SessionRecorder, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create opens a session on gridID for subjectID.
func (m *Manager) Create(gridID, subjectID string) (*Session, error) {
	binding, fetcher, err := m.resolver.Resolve(gridID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := m.logger.With(zap.String("session_id", id), zap.String("subject_id", subjectID))

	opts := append([]Option{}, m.opts...)
	opts = append(opts, WithLogger(logger))
	if m.metrics != nil {
		opts = append(opts, WithMetrics(m.metrics))
	}

	s := &Session{
		ID:          id,
		GridID:      gridID,
		SubjectID:   subjectID,
		CreatedAt:   m.now(),
		Coordinator: NewCoordinator[Row](binding, fetcher, opts...),
	}
	s.lastUsed.Store(s.CreatedAt.UnixNano())

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, model.NewSessionLimitError()
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSessionCreated(gridID)
	}
	logger.Info("grid session created", zap.String("grid_id", gridID))
	return s, nil
}

// Get returns the session if it exists and belongs to subjectID, touching
// it. Sessions of other subjects are reported as not found.
func (m *Manager) Get(id, subjectID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.SubjectID != subjectID {
		return nil, model.NewSessionNotFoundError(id)
	}
	s.lastUsed.Store(m.now().UnixNano())
	return s, nil
}

// Close ends the session.
func (m *Manager) Close(id, subjectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.SubjectID != subjectID {
		m.mu.Unlock()
		return model.NewSessionNotFoundError(id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.release(s, CloseReasonClosed)
	return nil
}

// List returns the subject's sessions ordered by creation time.
func (m *Manager) List(subjectID string) []*Session {
	m.mu.RLock()
	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than IdleTTL and returns how many
// were evicted.
func (m *Manager) Sweep() int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTTL).UnixNano()

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.lastUsed.Load() < cutoff {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.release(s, CloseReasonExpired)
	}
	return len(expired)
}

// Run sweeps idle sessions every SweepInterval until ctx is done, then
// closes all remaining sessions.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("expired idle grid sessions", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.release(s, CloseReasonShutdown)
	}
}

func (m *Manager) release(s *Session, reason string) {
	s.Coordinator.Close()
	if m.metrics != nil {
		m.metrics.RecordSessionClosed(reason)
	}
	m.logger.Info("grid session closed",
		zap.String("session_id", s.ID),
		zap.String("grid_id", s.GridID),
		zap.String("reason", reason),
	)
}
