package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Store is the in-memory registry of live and recently-terminated
// sessions, keyed by transfer id.
type Store struct {
	sessions map[string]*TransferSession
	mu       sync.RWMutex
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*TransferSession),
	}
}

// Add registers a new session.
func (s *Store) Add(session *TransferSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrSessionAlreadyExists
	}

	s.sessions[session.ID] = session
	return nil
}

// Get retrieves a session by id.
func (s *Store) Get(sessionID string) (*TransferSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

// Update replaces an existing session's stored pointer.
func (s *Store) Update(session *TransferSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}

	s.sessions[session.ID] = session
	return nil
}

// Delete removes a session from the store.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}

	delete(s.sessions, sessionID)
	return nil
}

// List returns all sessions matching an optional status filter, paginated.
func (s *Store) List(filterStatus *Status, limit, offset int) ([]*TransferSession, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*TransferSession
	for _, session := range s.sessions {
		if filterStatus != nil && session.Status() != *filterStatus {
			continue
		}
		filtered = append(filtered, session)
	}

	total := len(filtered)

	if offset >= len(filtered) {
		return []*TransferSession{}, total
	}

	end := offset + limit
	if end > len(filtered) || limit == 0 {
		end = len(filtered)
	}

	return filtered[offset:end], total
}

// CleanupOldSessions removes terminal sessions whose last update is
// older than maxAge, returning the count removed.
func (s *Store) CleanupOldSessions(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, session := range s.sessions {
		st := session.Status()
		terminal := st == StatusCompleted || st == StatusFailed || st == StatusCancelled
		if terminal && session.UpdateTime.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}

	return removed
}

// Count returns the total number of tracked sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
