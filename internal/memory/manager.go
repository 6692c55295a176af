package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager serializes access to sessions. A session is checked out with
// Begin and stays locked until the returned release func is called, so
// turns within one session never interleave while different sessions
// proceed in parallel.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sessionLock),
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

func (m *Manager) acquire(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Begin locks the session and returns a private copy of it, creating a
// new session when id is unknown. An empty id allocates a fresh one.
// The caller must call release exactly once.
func (m *Manager) Begin(id string) (sess *Session, release func(), err error) {
	if id == "" {
		id = NewSessionID()
	}
	release = m.acquire(id)

	sess, err = m.store.Load(id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		sess = NewSession(id)
		m.logger.Debug("session created", "session_id", id)
	case err != nil:
		release()
		return nil, nil, fmt.Errorf("begin session %s: %w", id, err)
	}
	return sess, release, nil
}

// Commit saves sess. It must be called while the session is held.
func (m *Manager) Commit(sess *Session) error {
	if err := m.store.Save(sess); err != nil {
		return fmt.Errorf("commit session %s: %w", sess.ID, err)
	}
	return nil
}

// Reset discards a session's history and attributes. It waits for any
// in-flight turn on the session to finish.
func (m *Manager) Reset(id string) error {
	release := m.acquire(id)
	defer release()

	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	m.logger.Info("session reset", "session_id", id)
	return nil
}

// Snapshot returns a copy of a stored session without locking it.
func (m *Manager) Snapshot(id string) (*Session, error) {
	return m.store.Load(id)
}
