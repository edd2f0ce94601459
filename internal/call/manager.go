package call

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Manager is the per-user context sessions are created from. It is
// initialized for one user at a time and tracks the sessions it created until
// they are released.
type Manager struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	mu       sync.Mutex
	userID   string
	sessions map[*Session]struct{}
}

// NewManager creates an uninitialized manager. deps.UserID is ignored.
func NewManager(deps Deps, cfg Config) *Manager {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		log:      log.Named("manager"),
		sessions: make(map[*Session]struct{}),
	}
}

// InitializeForUser binds the manager to userID. Switching to another user
// clears the previous user's sessions first.
func (m *Manager) InitializeForUser(userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	m.mu.Lock()
	current := m.userID
	m.mu.Unlock()
	if current == userID {
		return nil
	}
	if current != "" {
		if err := m.Clear(); err != nil {
			m.log.Warn("clear previous user", zap.String("userId", current), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
	m.log.Info("initialized", zap.String("userId", userID))
	return nil
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// NewSession creates an idle session for the current user.
func (m *Manager) NewSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID == "" {
		return nil, ErrNotInitialized
	}
	deps := m.deps
	deps.UserID = m.userID
	s := NewSession(deps, m.cfg)
	s.onReleased = m.forget
	m.sessions[s] = struct{}{}
	return s, nil
}

// Sessions is the number of sessions not yet released.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// Clear closes every live session without deleting signaling data and
// unbinds the user.
func (m *Manager) Clear() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.userID = ""
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
