package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/gelogrammer/speech-metrics-service/internal/engine"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
	"github.com/gelogrammer/speech-metrics-service/internal/metrics"
	"github.com/gelogrammer/speech-metrics-service/internal/scoring"
	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// Event bus topics
const (
	TopicSessionCreated = "session:created"
	TopicSessionRemoved = "session:removed"
	TopicSessionReset   = "session:reset"
	TopicActivity       = "session:activity"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many sessions")
	ErrStaleFrame       = errors.New("stale frame")
	ErrManagerStopped   = errors.New("manager stopped")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// SessionEvent is published on the lifecycle topics
type SessionEvent struct {
	SessionID  string
	ClientAddr string
	At         time.Time
	Duration   time.Duration
	Reason     string
}

// ActivityEvent is published on TopicActivity
type ActivityEvent struct {
	SessionID  string
	Activity   vad.Activity
	Transition vad.Transition
}

// Session represents one client's metrics session
type Session struct {
	ID         string
	ClientAddr string
	StartTime  time.Time

	LastActivity time.Time

	engine   *engine.Engine
	unsub    func()
	lastSeq  uint64
	frames   uint64
	dropped  uint64
	analyzed uint64
	removed  bool
	mu       sync.RWMutex
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Engine          engine.Config
	Timeout         time.Duration // idle time before a session expires
	MaxSessions     int
	CleanupInterval time.Duration // 0 derives it from Timeout
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records session and engine observations
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock sets the clock shared by every session engine
func WithClock(c engine.Clock) Option {
	return func(mgr *Manager) { mgr.clock = c }
}

// WithBus replaces the event bus
func WithBus(b evbus.Bus) Option {
	return func(mgr *Manager) { mgr.bus = b }
}

// Manager manages all active sessions, one engine each
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	cfg      ManagerConfig
	clock    engine.Clock
	bus      evbus.Bus
	metrics  *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	stopped bool
}

// NewManager creates a new session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("session timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.MaxSessions < 1 {
		return nil, fmt.Errorf("max sessions must be at least 1, got %d", cfg.MaxSessions)
	}
	// Fail early on an engine config that no session could use
	probe, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	_ = probe.Close()

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = min(cfg.Timeout/2, 30*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		cfg:      cfg,
		clock:    engine.SystemClock(),
		bus:      evbus.New(),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	if err := mgr.subscribeObservers(); err != nil {
		cancel()
		return nil, err
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// subscribeObservers wires logging and metrics to the lifecycle topics
func (m *Manager) subscribeObservers() error {
	handlers := map[string]any{
		TopicActivity: func(e ActivityEvent) {
			if e.Transition != vad.TransitionNone {
				m.logger.Info("Speech activity",
					slog.String("session_id", e.SessionID),
					slog.String("transition", e.Transition.String()),
				)
			}
			if e.Activity.WaitingForVoice {
				m.logger.Info("Waiting for voice", slog.String("session_id", e.SessionID))
			}
		},
	}

	if m.metrics != nil {
		handlers[TopicSessionCreated] = func(SessionEvent) {
			m.metrics.RecordSessionCreated()
			m.metrics.SetActiveSessions(m.GetActiveSessionCount())
		}
		handlers[TopicSessionRemoved] = func(e SessionEvent) {
			m.metrics.RecordSessionDestroyed(e.Duration)
			m.metrics.SetActiveSessions(m.GetActiveSessionCount())
		}
	}

	for topic, fn := range handlers {
		if err := m.bus.Subscribe(topic, fn); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// Bus returns the event bus; subscribers must not block
func (m *Manager) Bus() evbus.Bus {
	return m.bus
}

// CreateSession creates a session with its own engine. An empty id gets a
// fresh UUID; an existing id returns the existing session.
func (m *Manager) CreateSession(id, clientAddr string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	} else if len(id) > 128 {
		return nil, fmt.Errorf("%w: longer than 128 bytes", ErrInvalidSessionID)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}

	if existing, exists := m.sessions[id]; exists {
		m.mu.Unlock()

		existing.mu.Lock()
		if clientAddr != "" {
			existing.ClientAddr = clientAddr
		}
		existing.LastActivity = m.clock.Now()
		existing.mu.Unlock()

		m.logger.Debug("Session already exists, refreshing",
			slog.String("session_id", id),
			slog.String("client_addr", clientAddr),
		)
		return existing, nil
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.cfg.MaxSessions)
	}

	opts := []engine.Option{
		engine.WithClock(m.clock),
		engine.WithLogger(m.logger.With(slog.String("session_id", id))),
	}
	if m.metrics != nil {
		opts = append(opts, engine.WithRecorder(m.metrics))
	}
	eng, err := engine.New(m.cfg.Engine, opts...)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	now := m.clock.Now()
	session := &Session{
		ID:           id,
		ClientAddr:   clientAddr,
		StartTime:    now,
		LastActivity: now,
		engine:       eng,
	}
	session.unsub = eng.Subscribe(func(u engine.Update) { m.forward(session, u) })
	m.sessions[id] = session
	m.mu.Unlock()

	m.bus.Publish(TopicSessionCreated, SessionEvent{SessionID: id, ClientAddr: clientAddr, At: now})

	m.logger.Info("Created new session",
		slog.String("session_id", id),
		slog.String("client_addr", clientAddr),
	)

	return session, nil
}

// forward republishes engine updates on the bus
func (m *Manager) forward(s *Session, u engine.Update) {
	switch u.Kind {
	case engine.UpdateActivity:
		m.bus.Publish(TopicActivity, ActivityEvent{SessionID: s.ID, Activity: u.Activity, Transition: u.Transition})
	case engine.UpdateReset:
		m.bus.Publish(TopicSessionReset, SessionEvent{SessionID: s.ID, ClientAddr: s.clientAddr(), At: m.clock.Now()})
	case engine.UpdateMetrics:
		s.mu.Lock()
		s.analyzed++
		s.mu.Unlock()
	}
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// SubmitFrame routes a frame to its session. A non-zero seq at or below the
// last accepted one is dropped as stale.
func (m *Manager) SubmitFrame(id string, seq uint64, in *frame.Input) (engine.Decision, error) {
	session, ok := m.GetSession(id)
	if !ok {
		return engine.Decision{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	session.mu.Lock()
	if seq != 0 && seq <= session.lastSeq {
		session.dropped++
		last := session.lastSeq
		session.mu.Unlock()
		return engine.Decision{}, fmt.Errorf("%w: seq %d after %d", ErrStaleFrame, seq, last)
	}
	if seq != 0 {
		session.lastSeq = seq
	}
	session.frames++
	session.LastActivity = m.clock.Now()
	session.mu.Unlock()

	dec, err := session.engine.SubmitFrame(in)
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return engine.Decision{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return engine.Decision{}, err
	}
	return dec, nil
}

// ResetSession restarts a session's metrics from defaults
func (m *Manager) ResetSession(id string) error {
	session, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	session.mu.Lock()
	session.lastSeq = 0
	session.LastActivity = m.clock.Now()
	session.mu.Unlock()

	if err := session.engine.ResetSession(); err != nil {
		return fmt.Errorf("failed to reset session %s: %w", id, err)
	}

	m.logger.Info("Session reset", slog.String("session_id", id))
	return nil
}

// Subscribe registers fn for a session's updates
func (m *Manager) Subscribe(id string, fn func(engine.Update)) (func(), error) {
	session, ok := m.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session.engine.Subscribe(fn), nil
}

// UpdateActivity updates the last activity time for a session
func (m *Manager) UpdateActivity(id string) {
	session, exists := m.GetSession(id)
	if !exists {
		m.logger.Warn("Attempted to update activity for non-existent session",
			slog.String("session_id", id),
		)
		return
	}

	session.mu.Lock()
	session.LastActivity = m.clock.Now()
	session.mu.Unlock()
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession closes a session's engine and forgets it
func (m *Manager) RemoveSession(id string) bool {
	return m.removeSession(id, "ended")
}

func (m *Manager) removeSession(id, reason string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	session.close()

	duration := m.clock.Now().Sub(session.StartTime)
	info := session.GetSessionInfo()
	m.bus.Publish(TopicSessionRemoved, SessionEvent{
		SessionID:  id,
		ClientAddr: info.ClientAddr,
		At:         m.clock.Now(),
		Duration:   duration,
		Reason:     reason,
	})

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
		slog.Uint64("frames", info.Frames),
		slog.Uint64("analyzed", info.Analyzed),
		slog.Float64("overall_score", info.Metrics.OverallScore),
	)

	return true
}

// Stop gracefully stops the manager and closes every session
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removeSession(id, "shutdown")
	}

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped", slog.Int("closed_sessions", len(ids)))
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.cfg.Timeout),
		slog.Duration("check_interval", m.cfg.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := m.clock.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.cfg.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.removeSession(id, "expired")
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	s.mu.Unlock()

	s.unsub()
	_ = s.engine.Close()
}

func (s *Session) clientAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientAddr
}

// Metrics returns the session's latest metrics
func (s *Session) Metrics() engine.Metrics {
	return s.engine.Metrics()
}

// Activity returns the session's activity state
func (s *Session) Activity() vad.Activity {
	return s.engine.Activity()
}

// GetSessionInfo returns session information for monitoring and APIs
func (s *Session) GetSessionInfo() SessionInfo {
	m := s.engine.Metrics()
	stats := s.engine.GetStats()
	activity := s.engine.Activity()

	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		SessionID:    s.ID,
		ClientAddr:   s.ClientAddr,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Duration:     s.LastActivity.Sub(s.StartTime),
		Frames:       s.frames,
		Dropped:      s.dropped,
		Analyzed:     s.analyzed,
		LastSequence: s.lastSeq,
		Metrics:      m,
		Activity:     activity,
		Engine:       stats,
	}
	if m.Observations > 0 {
		info.Band = scoring.BandFor(m.OverallScore)
	}
	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	ClientAddr   string        `json:"client_addr,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	// Frame statistics
	Frames       uint64 `json:"frames"`
	Dropped      uint64 `json:"dropped"`
	Analyzed     uint64 `json:"analyzed"`
	LastSequence uint64 `json:"last_sequence"`

	Metrics  engine.Metrics `json:"metrics"`
	Band     scoring.Band   `json:"band,omitempty"`
	Activity vad.Activity   `json:"activity"`
	Engine   engine.Stats   `json:"engine"`
}
