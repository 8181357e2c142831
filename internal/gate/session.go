package gate

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session errors.
var (
	// ErrSessionNotFound indicates the session was not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession indicates the session is invalid.
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultSessionDuration is the default session lifetime.
const DefaultSessionDuration = 24 * time.Hour

// Session is the per-browser state the gate keeps between requests.
// Username is empty until the gate logs the browser in.
type Session struct {
	ID         string            `json:"id"`
	Username   string            `json:"username,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`

	dirty      bool
	previousID string
}

// NewSession creates an anonymous session with a fresh ID. It is not
// persisted until something is stored in it.
func NewSession(duration time.Duration) *Session {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Authenticated reports whether the session belongs to a logged-in user.
func (s *Session) Authenticated() bool {
	return s.Username != ""
}

// Attribute returns a session attribute.
func (s *Session) Attribute(key string) (string, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// SetAttribute stores a session attribute.
func (s *Session) SetAttribute(key, value string) {
	if cur, ok := s.Attributes[key]; ok && cur == value {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
	s.dirty = true
}

// DeleteAttribute removes a session attribute.
func (s *Session) DeleteAttribute(key string) {
	if _, ok := s.Attributes[key]; !ok {
		return
	}
	delete(s.Attributes, key)
	s.dirty = true
}

// Login marks the session as authenticated for username. The ID is rotated
// so a pre-login ID cannot be replayed as an authenticated one.
func (s *Session) Login(username string) {
	if s.previousID == "" {
		s.previousID = s.ID
	}
	s.ID = uuid.NewString()
	s.Username = username
	s.dirty = true
}

// Dirty reports whether the session changed since it was loaded.
func (s *Session) Dirty() bool { return s.dirty }

// Store persists sessions.
type Store interface {
	// Get retrieves a session by its ID.
	// Returns nil, nil if not found and ErrSessionExpired if expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Save inserts or replaces the session.
	Save(ctx context.Context, session *Session) error

	// Delete removes a session by its ID.
	Delete(ctx context.Context, id string) error

	// Cleanup removes all expired sessions.
	// Returns the number of sessions removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for development and single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Get retrieves a session by its ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return copySession(session), nil
}

// Save inserts or replaces the session.
func (s *MemoryStore) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = copySession(session)
	return nil
}

// Delete removes a session by its ID.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Cleanup removes all expired sessions.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Count returns the total number of sessions in the store.
// This is primarily for testing and monitoring.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// copySession creates a deep copy of a Session with its change tracking reset.
func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	cpy := &Session{
		ID:        session.ID,
		Username:  session.Username,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
	}
	if session.Attributes != nil {
		cpy.Attributes = maps.Clone(session.Attributes)
	}
	return cpy
}

// CleanupLoop removes expired sessions every interval until ctx is done.
// removed, when set, is told about every pass that deleted sessions or failed.
func CleanupLoop(ctx context.Context, store Store, interval time.Duration, removed func(n int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx)
			if removed != nil && (err != nil || n > 0) {
				removed(n, err)
			}
		}
	}
}
