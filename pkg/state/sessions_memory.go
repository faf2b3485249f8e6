package state

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*UserSession
	byUser    map[string]map[string]bool // user -> session ID set
	rolePerms map[string][]string
	strict    bool
	closed    bool
	done      chan struct{}

	// now is overrideable for tests.
	now func() time.Time
}

// NewMemorySessionStore creates an in-memory session store. rolePerms maps
// role names to static permission sets; strict enables strict resource
// scoping for CheckPermission.
func NewMemorySessionStore(rolePerms map[string][]string, strict bool, cleanupInterval time.Duration) *MemorySessionStore {
	if rolePerms == nil {
		rolePerms = DefaultRolePermissions()
	}
	s := &MemorySessionStore{
		sessions:  make(map[string]*UserSession),
		byUser:    make(map[string]map[string]bool),
		rolePerms: rolePerms,
		strict:    strict,
		done:      make(chan struct{}),
		now:       time.Now,
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// CreateSession stores a session.
func (s *MemorySessionStore) CreateSession(ctx context.Context, sess *UserSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	stored := sess.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	if ttl > 0 {
		expires := stored.CreatedAt.Add(ttl)
		stored.ExpiresAt = &expires
	}

	s.sessions[stored.SessionID] = stored
	if s.byUser[stored.UserID] == nil {
		s.byUser[stored.UserID] = make(map[string]bool)
	}
	s.byUser[stored.UserID][stored.SessionID] = true
	return nil
}

// GetSession returns the session, or (nil, nil) if absent or expired.
func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	sess := s.sessions[sessionID]
	if sess == nil || sess.Expired(s.now()) {
		return nil, nil
	}
	return sess.Clone(), nil
}

// ValidateSession reports whether the session exists and is unexpired.
func (s *MemorySessionStore) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	return sess != nil, err
}

// DeleteSession removes the session.
func (s *MemorySessionStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	sess := s.sessions[sessionID]
	if sess == nil {
		return false, nil
	}
	s.removeLocked(sessionID, sess)
	return true, nil
}

// RefreshSession extends the session's expiry.
func (s *MemorySessionStore) RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	sess := s.sessions[sessionID]
	now := s.now()
	if sess == nil || sess.Expired(now) {
		return false, nil
	}
	if sess.ExpiresAt == nil && extend <= 0 {
		// Never expires; nothing to refresh.
		return true, nil
	}
	ttl := extend
	if ttl <= 0 {
		ttl = originalTTL(sess)
	}
	expires := now.Add(ttl)
	sess.ExpiresAt = &expires
	return true, nil
}

// ListUserSessions returns the IDs of the user's unexpired sessions.
func (s *MemorySessionStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	now := s.now()
	ids := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		if sess := s.sessions[id]; sess != nil && !sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CheckPermission resolves the two-layer RBAC rules for the session.
func (s *MemorySessionStore) CheckPermission(ctx context.Context, sessionID, resourceType, resourceID, permission string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}
	return resolvePermission(sess, s.rolePerms, s.strict, resourceType, resourceID, permission), nil
}

// Close releases the store.
func (s *MemorySessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.sessions = nil
	s.byUser = nil
	return nil
}

func (s *MemorySessionStore) removeLocked(sessionID string, sess *UserSession) {
	delete(s.sessions, sessionID)
	set := s.byUser[sess.UserID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(s.byUser, sess.UserID)
	}
}

// cleanupLoop periodically removes expired sessions. Reads never depend on
// it; expiry is always checked on the read path.
func (s *MemorySessionStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemorySessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	now := s.now()
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			s.removeLocked(id, sess)
		}
	}
}
