package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id does not exist in the store.
var ErrNotFound = errors.New("session not found")

// Inputs holds the immutable parameters a session is created with.
type Inputs struct {
	Prompt        string
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
}

// Store is an in-memory session registry. Sessions are ephemeral work
// orders: the map is the only shared mutable structure and all access goes
// through the lock. Reads return deep copies; Update replaces the stored
// record wholesale (last writer wins).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Create assigns a fresh session id and registers a new session with
// Status=generating and an empty iteration list.
func (s *Store) Create(in Inputs) *Session {
	now := time.Now().UTC()
	sess := &Session{
		ID:            uuid.New().String(),
		Prompt:        in.Prompt,
		Model:         in.Model,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		MaxIterations: in.MaxIterations,
		Status:        StatusGenerating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess.Clone()
}

// Get retrieves a copy of a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Update replaces the stored session and stamps the update time.
// Updating a deleted session is a no-op that returns ErrNotFound: a
// deleted session stays deleted even if its loop is still in flight.
func (s *Store) Update(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}

	stored := sess.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = stored
	return nil
}

// Delete removes a session. Returns false if the id was unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// List returns copies of all sessions in unspecified order.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// Sweep removes sessions whose last update is older than maxAge and
// returns the number removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
