package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CallbackFunc handles one client event for one widget. The returned value
// is passed back to the dispatcher; errors are logged and never propagate
// past Invoke.
type CallbackFunc func(ctx context.Context, data map[string]any) (any, error)

// CallbackRegistration is the process-local record of one registered
// handler. It is never serialized or replicated: handlers are native Go
// functions and cannot cross a process boundary.
type CallbackRegistration struct {
	WidgetID     string
	EventType    string
	Callback     CallbackFunc
	RegisteredAt time.Time
	CallCount    int64
	ErrorCount   int64
}

// CallbackRegistry maps (widget, event type) pairs to local handlers.
// It is safe for concurrent use.
type CallbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[string]map[string]*CallbackRegistration // widget -> event type -> registration
	logger    *slog.Logger
	metrics   *Metrics
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry(logger *slog.Logger, metrics *Metrics) *CallbackRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackRegistry{
		callbacks: make(map[string]map[string]*CallbackRegistration),
		logger:    logger.With("component", "callback_registry"),
		metrics:   metrics,
	}
}

// Register records a handler for the (widget, event type) pair, replacing
// any previous handler for the same pair.
func (r *CallbackRegistry) Register(widgetID, eventType string, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEvent := r.callbacks[widgetID]
	if byEvent == nil {
		byEvent = make(map[string]*CallbackRegistration)
		r.callbacks[widgetID] = byEvent
	}
	byEvent[eventType] = &CallbackRegistration{
		WidgetID:     widgetID,
		EventType:    eventType,
		Callback:     fn,
		RegisteredAt: time.Now(),
	}
}

// Get returns the registration for the pair, or nil.
func (r *CallbackRegistry) Get(widgetID, eventType string) *CallbackRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbacks[widgetID][eventType]
}

// HasCallback reports whether a handler is registered for the pair.
func (r *CallbackRegistry) HasCallback(widgetID, eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbacks[widgetID][eventType] != nil
}

// Invoke runs the handler for the pair, if any. It returns whether a
// handler ran successfully and the handler's result.
//
// A handler that returns an error or panics is logged and reported as
// (false, nil); a failing callback must never take down the event
// processing path for other widgets.
func (r *CallbackRegistry) Invoke(ctx context.Context, widgetID, eventType string, data map[string]any) (handled bool, result any) {
	r.mu.RLock()
	reg := r.callbacks[widgetID][eventType]
	r.mu.RUnlock()

	if reg == nil {
		return false, nil
	}

	result, err := r.invokeSafe(ctx, reg, data)

	r.mu.Lock()
	reg.CallCount++
	if err != nil {
		reg.ErrorCount++
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.callbackInvoked("error")
		r.logger.Error("callback failed",
			"widget_id", widgetID,
			"event_type", eventType,
			"error", err)
		return false, nil
	}

	r.metrics.callbackInvoked("ok")
	return true, result
}

// invokeSafe runs the callback, converting panics into errors.
func (r *CallbackRegistry) invokeSafe(ctx context.Context, reg *CallbackRegistration, data map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &callbackPanicError{value: rec}
		}
	}()
	return reg.Callback(ctx, data)
}

type callbackPanicError struct {
	value any
}

func (e *callbackPanicError) Error() string {
	return "callback panicked"
}

// Unregister removes the handler for the pair. Returns false if there was
// none.
func (r *CallbackRegistry) Unregister(widgetID, eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEvent := r.callbacks[widgetID]
	if byEvent == nil {
		return false
	}
	if _, ok := byEvent[eventType]; !ok {
		return false
	}
	delete(byEvent, eventType)
	if len(byEvent) == 0 {
		delete(r.callbacks, widgetID)
	}
	return true
}

// UnregisterWidget removes all handlers for a widget, returning how many
// were removed. Called alongside widget teardown.
func (r *CallbackRegistry) UnregisterWidget(widgetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.callbacks[widgetID])
	delete(r.callbacks, widgetID)
	return n
}

// ListWidgetEvents returns the event types with handlers for a widget.
func (r *CallbackRegistry) ListWidgetEvents(widgetID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byEvent := r.callbacks[widgetID]
	events := make([]string, 0, len(byEvent))
	for et := range byEvent {
		events = append(events, et)
	}
	return events
}

// RegistryStats summarizes registry activity.
type RegistryStats struct {
	// Widgets is the number of widgets with at least one handler.
	Widgets int

	// Callbacks is the total number of registered handlers.
	Callbacks int

	// Calls is the total number of invocations across all handlers.
	Calls int64

	// Errors is the total number of failed invocations.
	Errors int64
}

// Stats returns a snapshot of registry activity.
func (r *CallbackRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Widgets: len(r.callbacks)}
	for _, byEvent := range r.callbacks {
		stats.Callbacks += len(byEvent)
		for _, reg := range byEvent {
			stats.Calls += reg.CallCount
			stats.Errors += reg.ErrorCount
		}
	}
	return stats
}
