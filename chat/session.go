package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Session is one conversation: its message log, step tracker, driver and the
// broadcaster observers subscribe to.
type Session struct {
	ID        string
	CreatedAt time.Time

	events  *Broadcaster
	driver  *Driver
	openAI  bool
	mu      sync.RWMutex
	setting Settings
}

// Snapshot is a consistent view of a session at one instant.
type Snapshot struct {
	ID         string
	CreatedAt  time.Time
	Messages   []Message
	Stages     []Stage
	Processing bool
	Settings   Settings
}

func (s *Session) Submit(ctx context.Context, query string) (string, error) {
	return s.driver.Submit(ctx, query)
}

func (s *Session) Snapshot() Snapshot {
	messages, stages, busy := s.driver.View()
	return Snapshot{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		Messages:   messages,
		Stages:     stages,
		Processing: busy,
		Settings:   s.Settings(),
	}
}

// Subscribe returns a channel of the session's events and a function that
// cancels the subscription.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.Subscribe(buffer)
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setting
}

// UpdateSettings validates settings and applies them from the next run on.
func (s *Session) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.setting = settings
	s.mu.Unlock()

	s.driver.SetOptions(settings.Options(s.openAI))
	return nil
}

func (s *Session) Busy() bool {
	return s.driver.Busy()
}

func (s *Session) close() {
	s.driver.Close()
	s.events.Close()
}

type ManagerConfig struct {
	Backend       Backend
	Scheduler     Scheduler
	Timings       config.PipelineConfig
	OpenAIEnabled bool
	Logger        zerolog.Logger
}

// Manager owns every open session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      ManagerConfig
	closed   bool
}

func NewManager(cfg ManagerConfig) *Manager {
	cfg.Backend = cfg.Backend.withDefaults()
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Create opens a session with default settings.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDriverClosed
	}

	id := ulid.Make().String()
	logger := m.cfg.Logger.With().Str("session_id", id).Logger()
	events := NewBroadcaster(logger)
	settings := DefaultSettings()

	session := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		events:    events,
		openAI:    m.cfg.OpenAIEnabled,
		setting:   settings,
		driver: NewDriver(DriverConfig{
			Publisher: events,
			Backend:   m.cfg.Backend,
			Scheduler: m.cfg.Scheduler,
			Timings:   m.cfg.Timings,
			Options:   settings.Options(m.cfg.OpenAIEnabled),
			Logger:    logger,
		}),
	}
	m.sessions[id] = session
	metrics.ActiveSessions.Inc()

	logger.Info().Msg("session created")
	return session, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete tears the session down. Its in-flight run is cancelled and its
// subscribers are closed.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	session.close()
	metrics.ActiveSessions.Dec()
	m.cfg.Logger.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// List returns the open sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Close tears down every session. Later Create calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.closed = true
	m.mu.Unlock()

	for _, session := range sessions {
		session.close()
		metrics.ActiveSessions.Dec()
	}
}
