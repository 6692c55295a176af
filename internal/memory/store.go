package memory

import (
	"sort"
	"sync"
)

// Store persists sessions. Implementations return copies: mutating a
// loaded session has no effect until it is saved.
type Store interface {
	Load(id string) (*Session, error)
	Save(s *Session) error
	Delete(id string) error
	List() ([]string, error)
	Stats() map[string]any
	Close() error
}

// MemoryStore keeps sessions in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Load retrieves a session by ID.
func (s *MemoryStore) Load(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Copy(), nil
}

// Save stores a copy of sess, replacing any previous version.
func (s *MemoryStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Copy()
	return nil
}

// Delete removes a session. Deleting an unknown ID is not an error.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List returns the stored session IDs, sorted.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats returns memory statistics.
func (s *MemoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalMessages := 0
	for _, sess := range s.sessions {
		totalMessages += len(sess.Messages)
	}
	return map[string]any{
		"sessions": len(s.sessions),
		"messages": totalMessages,
		"storage":  "memory",
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
