package state

import (
	"context"
	"encoding/json"
	"time"
)

// RedisSessionStore is the Redis-backed SessionStore. Sessions are
// TTL-bound hashes at {prefix}:session:{id}; each user's session IDs are
// mirrored in {prefix}:user:{id}:sessions, and role permission sets live in
// the {prefix}:role_permissions hash as JSON lists.
//
// The native TTL is a backstop only: every read re-checks expires_at
// against the clock, because an eventually-expiring backend can serve a
// stale entry under load.
type RedisSessionStore struct {
	client     RedisClient
	keys       keyspace
	defaultTTL time.Duration
	rolePerms  map[string][]string
	strict     bool
}

// NewRedisSessionStore creates a Redis-backed session store and seeds the
// role_permissions hash with the configured role map (best-effort).
func NewRedisSessionStore(client RedisClient, prefix string, defaultTTL time.Duration, rolePerms map[string][]string, strict bool) *RedisSessionStore {
	if rolePerms == nil {
		rolePerms = DefaultRolePermissions()
	}
	s := &RedisSessionStore{
		client:     client,
		keys:       keyspace{prefix: prefix},
		defaultTTL: defaultTTL,
		rolePerms:  rolePerms,
		strict:     strict,
	}
	s.seedRolePermissions()
	return s
}

func (s *RedisSessionStore) seedRolePermissions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := make(map[string]any, len(s.rolePerms))
	for role, perms := range s.rolePerms {
		data, err := json.Marshal(perms)
		if err != nil {
			continue
		}
		fields[role] = string(data)
	}
	if len(fields) > 0 {
		_ = s.client.HSet(ctx, s.keys.rolePermissions(), fields)
	}
}

// CreateSession stores a session.
func (s *RedisSessionStore) CreateSession(ctx context.Context, sess *UserSession, ttl time.Duration) error {
	stored := sess.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if ttl > 0 {
		expires := stored.CreatedAt.Add(ttl)
		stored.ExpiresAt = &expires
	}

	fields, err := sessionFields(stored)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.session(stored.SessionID), fields)
	if stored.ExpiresAt != nil {
		pipe.Expire(ctx, s.keys.session(stored.SessionID), time.Until(*stored.ExpiresAt))
	}
	pipe.SAdd(ctx, s.keys.userSessions(stored.UserID), stored.SessionID)
	return pipe.Exec(ctx)
}

// GetSession returns the session, or (nil, nil) if absent or expired.
func (s *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*UserSession, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.session(sessionID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sess, err := sessionFromFields(sessionID, fields)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		// Backend TTL has not fired yet; treat as absent.
		return nil, nil
	}
	return sess, nil
}

// ValidateSession reports whether the session exists and is unexpired.
func (s *RedisSessionStore) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	return sess != nil, err
}

// DeleteSession removes the session and its user-set membership.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.session(sessionID))
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.session(sessionID))
	if userID := fields["user_id"]; userID != "" {
		pipe.SRem(ctx, s.keys.userSessions(userID), sessionID)
	}
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshSession extends the session's expiry, reusing the original TTL
// duration when no explicit extension is given.
func (s *RedisSessionStore) RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}
	if sess.ExpiresAt == nil && extend <= 0 {
		return true, nil
	}

	ttl := extend
	if ttl <= 0 {
		ttl = originalTTL(sess)
	}
	expires := time.Now().UTC().Add(ttl)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.session(sessionID), map[string]any{
		"expires_at": expires.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, s.keys.session(sessionID), ttl)
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListUserSessions returns the IDs of the user's unexpired sessions,
// lazily repairing stale set members.
func (s *RedisSessionStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.userSessions(userID))
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(members))
	for _, id := range members {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			live = append(live, id)
		} else {
			_ = s.client.SRem(ctx, s.keys.userSessions(userID), id)
		}
	}
	return live, nil
}

// CheckPermission resolves the two-layer RBAC rules, preferring the
// replicated role_permissions hash over the local config.
func (s *RedisSessionStore) CheckPermission(ctx context.Context, sessionID, resourceType, resourceID, permission string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}

	rolePerms, err := s.loadRolePermissions(ctx)
	if err != nil {
		return false, err
	}
	return resolvePermission(sess, rolePerms, s.strict, resourceType, resourceID, permission), nil
}

func (s *RedisSessionStore) loadRolePermissions(ctx context.Context) (map[string][]string, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.rolePermissions())
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return s.rolePerms, nil
	}

	perms := make(map[string][]string, len(fields))
	for role, raw := range fields {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			continue
		}
		perms[role] = list
	}
	return perms, nil
}

// Close is a no-op; the Redis client is shared and owned by the manager.
func (s *RedisSessionStore) Close() error {
	return nil
}

func sessionFields(sess *UserSession) (map[string]any, error) {
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"user_id":    sess.UserID,
		"roles":      string(roles),
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
		"expires_at": "",
	}
	if sess.ExpiresAt != nil {
		fields["expires_at"] = sess.ExpiresAt.Format(time.RFC3339Nano)
	}
	if sess.Metadata != nil {
		meta, err := json.Marshal(sess.Metadata)
		if err != nil {
			return nil, err
		}
		fields["metadata"] = string(meta)
	}
	return fields, nil
}

func sessionFromFields(sessionID string, fields map[string]string) (*UserSession, error) {
	sess := &UserSession{
		SessionID: sessionID,
		UserID:    fields["user_id"],
	}
	if v := fields["roles"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Roles); err != nil {
			return nil, err
		}
	}
	if v := fields["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sess.CreatedAt = t
		}
	}
	if v := fields["expires_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sess.ExpiresAt = &t
		}
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Metadata); err != nil {
			return nil, err
		}
	}
	return sess, nil
}
