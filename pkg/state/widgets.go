package state

import "context"

// WidgetStore persists widget records. Implementations must be safe for
// concurrent use.
//
// Missing IDs are not errors: Get returns (nil, nil) and the boolean
// variants return false. Errors are reserved for backend failures.
type WidgetStore interface {
	// Register upserts a widget record. Re-registering an ID replaces its
	// record. A zero CreatedAt is filled with the current time.
	Register(ctx context.Context, rec *WidgetRecord) error

	// Get returns the record for an ID, or (nil, nil) if absent.
	Get(ctx context.Context, widgetID string) (*WidgetRecord, error)

	// GetHTML returns the widget's HTML and whether the widget exists.
	GetHTML(ctx context.Context, widgetID string) (string, bool, error)

	// GetToken returns the widget's token and whether the widget exists.
	GetToken(ctx context.Context, widgetID string) (string, bool, error)

	// Exists reports whether the widget is registered.
	Exists(ctx context.Context, widgetID string) (bool, error)

	// UpdateHTML replaces the widget's HTML in place, refreshing the TTL
	// where the backend applies one. Returns false if the ID is absent.
	UpdateHTML(ctx context.Context, widgetID, html string) (bool, error)

	// UpdateToken replaces the widget's token in place, refreshing the TTL
	// where the backend applies one. Returns false if the ID is absent.
	UpdateToken(ctx context.Context, widgetID, token string) (bool, error)

	// Delete removes the widget. Returns false if the ID was absent.
	Delete(ctx context.Context, widgetID string) (bool, error)

	// ListActive returns the IDs of all registered widgets.
	ListActive(ctx context.Context) ([]string, error)

	// Count returns the number of registered widgets.
	Count(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}
