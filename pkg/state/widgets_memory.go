package state

import (
	"context"
	"sync"
	"time"
)

// MemoryWidgetStore is the in-process WidgetStore. It is the default for
// single-worker deployments; records live until explicitly deleted.
type MemoryWidgetStore struct {
	mu      sync.RWMutex
	widgets map[string]*WidgetRecord
	closed  bool
}

// NewMemoryWidgetStore creates an empty in-memory widget store.
func NewMemoryWidgetStore() *MemoryWidgetStore {
	return &MemoryWidgetStore{
		widgets: make(map[string]*WidgetRecord),
	}
}

// Register upserts a widget record.
func (m *MemoryWidgetStore) Register(ctx context.Context, rec *WidgetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.widgets[rec.WidgetID] = stored
	return nil
}

// Get returns a copy of the record, or (nil, nil) if absent.
func (m *MemoryWidgetStore) Get(ctx context.Context, widgetID string) (*WidgetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.widgets[widgetID].Clone(), nil
}

// GetHTML returns the widget's HTML.
func (m *MemoryWidgetStore) GetHTML(ctx context.Context, widgetID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrStoreClosed
	}
	rec, ok := m.widgets[widgetID]
	if !ok {
		return "", false, nil
	}
	return rec.HTML, true, nil
}

// GetToken returns the widget's token.
func (m *MemoryWidgetStore) GetToken(ctx context.Context, widgetID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrStoreClosed
	}
	rec, ok := m.widgets[widgetID]
	if !ok {
		return "", false, nil
	}
	return rec.Token, true, nil
}

// Exists reports whether the widget is registered.
func (m *MemoryWidgetStore) Exists(ctx context.Context, widgetID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	_, ok := m.widgets[widgetID]
	return ok, nil
}

// UpdateHTML replaces the widget's HTML in place.
func (m *MemoryWidgetStore) UpdateHTML(ctx context.Context, widgetID, html string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	rec, ok := m.widgets[widgetID]
	if !ok {
		return false, nil
	}
	rec.HTML = html
	return true, nil
}

// UpdateToken replaces the widget's token in place.
func (m *MemoryWidgetStore) UpdateToken(ctx context.Context, widgetID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	rec, ok := m.widgets[widgetID]
	if !ok {
		return false, nil
	}
	rec.Token = token
	return true, nil
}

// Delete removes the widget.
func (m *MemoryWidgetStore) Delete(ctx context.Context, widgetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	if _, ok := m.widgets[widgetID]; !ok {
		return false, nil
	}
	delete(m.widgets, widgetID)
	return true, nil
}

// ListActive returns all registered widget IDs.
func (m *MemoryWidgetStore) ListActive(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ids := make([]string, 0, len(m.widgets))
	for id := range m.widgets {
		ids = append(ids, id)
	}
	return ids, nil
}

// Count returns the number of registered widgets.
func (m *MemoryWidgetStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.widgets), nil
}

// Close releases the store.
func (m *MemoryWidgetStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.widgets = nil
	return nil
}
