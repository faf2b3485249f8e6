package state

import (
	"time"

	"github.com/google/uuid"
)

// WidgetRecord describes one registered widget: its rendered HTML document,
// an optional connection token, and ownership metadata.
type WidgetRecord struct {
	// WidgetID is the globally unique widget identifier.
	WidgetID string `json:"widget_id"`

	// HTML is the current rendered document for the widget.
	HTML string `json:"html"`

	// Token is an optional per-widget secret used to authenticate the
	// widget's live connection. Empty means no token check.
	Token string `json:"token,omitempty"`

	// CreatedAt is when the widget was first registered.
	CreatedAt time.Time `json:"created_at"`

	// OwnerWorkerID is the worker that registered the widget.
	OwnerWorkerID string `json:"owner_worker_id,omitempty"`

	// Metadata is an open map for caller-defined attributes.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record.
func (w *WidgetRecord) Clone() *WidgetRecord {
	if w == nil {
		return nil
	}
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ConnectionInfo records which worker currently owns a widget's live
// connection. At most one ConnectionInfo exists per widget; registering a
// new connection supersedes the previous one.
type ConnectionInfo struct {
	// WidgetID is the widget this connection belongs to.
	WidgetID string `json:"widget_id"`

	// WorkerID is the worker holding the live connection.
	WorkerID string `json:"worker_id"`

	// ConnectedAt is when the connection was accepted.
	ConnectedAt time.Time `json:"connected_at"`

	// LastHeartbeat is the time of the most recent heartbeat refresh.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// UserID identifies the authenticated user, if any.
	UserID string `json:"user_id,omitempty"`

	// SessionID identifies the user session, if any.
	SessionID string `json:"session_id,omitempty"`
}

// Clone returns a copy of the connection info.
func (c *ConnectionInfo) Clone() *ConnectionInfo {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// EventMessage is an immutable event published on the bus. Delivery to
// currently connected subscribers is at-least-once; there is no replay.
type EventMessage struct {
	// EventType names the event (e.g. "click", "input_change").
	EventType string `json:"event_type"`

	// WidgetID is the widget the event concerns.
	WidgetID string `json:"widget_id"`

	// Data is the open event payload.
	Data map[string]any `json:"data,omitempty"`

	// SourceWorkerID is the worker that published the event.
	SourceWorkerID string `json:"source_worker_id,omitempty"`

	// TargetWorkerID optionally addresses a specific worker.
	TargetWorkerID string `json:"target_worker_id,omitempty"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// MessageID uniquely identifies the message.
	MessageID string `json:"message_id"`
}

// NewEventMessage builds an EventMessage with a fresh message ID and
// timestamp.
func NewEventMessage(eventType, widgetID string, data map[string]any) *EventMessage {
	return &EventMessage{
		EventType: eventType,
		WidgetID:  widgetID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
}

// UserSession is an authenticated session with role-based permissions.
type UserSession struct {
	// SessionID is the unique session identifier.
	SessionID string `json:"session_id"`

	// UserID identifies the authenticated user.
	UserID string `json:"user_id"`

	// Roles is the set of role names granted to the session.
	Roles []string `json:"roles,omitempty"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the session expires. Nil means never.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Metadata is an open map. Resource-scoped permission grants live
	// under Metadata["permissions"] as {"<type>:<id>": ["read", ...]}.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the session's expiry has passed at the given time.
// Sessions without an expiry never expire.
func (s *UserSession) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// HasRole reports whether the session carries the named role.
func (s *UserSession) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the session.
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Roles != nil {
		c.Roles = append([]string(nil), s.Roles...)
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
