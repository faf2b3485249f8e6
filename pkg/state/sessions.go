package state

import (
	"context"
	"time"
)

// SessionStore persists authenticated user sessions and answers RBAC
// checks.
//
// Every read path checks the session's expiry against the clock itself,
// even when the backend also applies a native TTL: eventually-expiring
// backends can serve stale entries under load, and an expired session must
// behave identically to no session.
type SessionStore interface {
	// CreateSession stores a session. A ttl <= 0 uses sess.ExpiresAt as
	// given; a nil ExpiresAt with ttl <= 0 means the session never
	// expires. A positive ttl sets ExpiresAt from CreatedAt.
	CreateSession(ctx context.Context, sess *UserSession, ttl time.Duration) error

	// GetSession returns the session, or (nil, nil) if absent or expired.
	GetSession(ctx context.Context, sessionID string) (*UserSession, error)

	// ValidateSession reports whether the session exists and is unexpired.
	ValidateSession(ctx context.Context, sessionID string) (bool, error)

	// DeleteSession removes the session. Returns false if it was absent.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// RefreshSession extends the session's expiry. A positive extend sets
	// the new lifetime; extend <= 0 reuses the session's original TTL
	// duration (original expiry minus creation time). Sessions without an
	// expiry are left untouched. Returns false if the session is absent
	// or already expired.
	RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error)

	// ListUserSessions returns the IDs of the user's unexpired sessions.
	ListUserSessions(ctx context.Context, userID string) ([]string, error)

	// CheckPermission reports whether the session grants the permission on
	// the given resource. See resolvePermission for the two-layer rules.
	CheckPermission(ctx context.Context, sessionID, resourceType, resourceID, permission string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}

// resolvePermission applies the two-layer RBAC rules shared by both
// backends:
//
//  1. role layer: each of the session's roles is looked up in the
//     role -> permission-set map; a set containing the permission grants.
//  2. resource layer: session metadata may carry resource-scoped grants
//     under Metadata["permissions"] keyed "<type>:<id>".
//
// A match in either layer grants access, unless strict resource scoping is
// enabled and a resource is named, in which case only the resource layer is
// consulted.
func resolvePermission(sess *UserSession, rolePerms map[string][]string, strict bool, resourceType, resourceID, permission string) bool {
	scoped := resourceType != "" || resourceID != ""

	if !strict || !scoped {
		for _, role := range sess.Roles {
			for _, p := range rolePerms[role] {
				if p == permission {
					return true
				}
			}
		}
	}

	if !scoped {
		return false
	}

	grants, ok := sess.Metadata["permissions"]
	if !ok {
		return false
	}
	key := resourceType + ":" + resourceID

	// Metadata round-trips through JSON, so the grants arrive either as
	// the original Go types or as map[string]any / []any.
	switch g := grants.(type) {
	case map[string][]string:
		for _, p := range g[key] {
			if p == permission {
				return true
			}
		}
	case map[string]any:
		list, ok := g[key]
		if !ok {
			return false
		}
		switch perms := list.(type) {
		case []string:
			for _, p := range perms {
				if p == permission {
					return true
				}
			}
		case []any:
			for _, p := range perms {
				if s, ok := p.(string); ok && s == permission {
					return true
				}
			}
		}
	}
	return false
}

// originalTTL returns the session's original lifetime, or 0 when the
// session never expires.
func originalTTL(sess *UserSession) time.Duration {
	if sess.ExpiresAt == nil {
		return 0
	}
	return sess.ExpiresAt.Sub(sess.CreatedAt)
}
