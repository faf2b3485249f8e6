package state

import "context"

// ConnectionRouter tracks which worker owns each widget's live connection.
//
// Registration is last-writer-wins: a new connection for an already-routed
// widget overwrites the mapping, and the superseded info is returned so the
// caller can gracefully close the old connection. The router itself never
// closes connections.
type ConnectionRouter interface {
	// RegisterConnection records the given connection as the widget's
	// owner, superseding any previous owner. Returns the superseded
	// connection info, or nil if the widget had none.
	RegisterConnection(ctx context.Context, info *ConnectionInfo) (*ConnectionInfo, error)

	// GetConnectionInfo returns the live connection for a widget, or
	// (nil, nil) if the widget has none (or it expired).
	GetConnectionInfo(ctx context.Context, widgetID string) (*ConnectionInfo, error)

	// GetOwner returns the worker ID owning the widget's connection and
	// whether one exists.
	GetOwner(ctx context.Context, widgetID string) (string, bool, error)

	// RefreshHeartbeat updates the heartbeat timestamp and extends the
	// record's TTL. Returns false if the connection already expired,
	// signalling the caller to re-register.
	RefreshHeartbeat(ctx context.Context, widgetID string) (bool, error)

	// UnregisterConnection removes the widget's connection mapping.
	// Returns false if there was none.
	UnregisterConnection(ctx context.Context, widgetID string) (bool, error)

	// ListWorkerConnections returns the widget IDs whose connections the
	// given worker currently owns. Used on shutdown to close them.
	ListWorkerConnections(ctx context.Context, workerID string) ([]string, error)

	// Close releases resources held by the router.
	Close() error
}
