package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventTypeWorkerShutdown is broadcast on WorkersChannel when a worker
// shuts down cleanly, so peers can react to its connections going away.
const EventTypeWorkerShutdown = "worker_shutdown"

// Manager is the composition root of the coordination layer. It owns the
// widget store, connection router, session store, event bus, callback
// registry, and sync bridge, choosing memory or Redis backends from the
// config.
//
// Backends are initialized lazily on first use, so constructing a Manager
// never dials Redis.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	workerID string

	initOnce sync.Once
	initErr  error

	widgets   WidgetStore
	router    ConnectionRouter
	sessions  SessionStore
	bus       EventBus
	callbacks *CallbackRegistry
	bridge    *Bridge

	redisClient RedisClient
	ownsRedis   bool
	ownsBus     bool

	mu      sync.Mutex
	queues  map[string]chan *EventMessage
	relays  map[string]Subscription
	stopped bool
}

// NewManager creates a Manager. logger and metrics may be nil.
func NewManager(cfg Config, logger *slog.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "state_manager"),
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/glintlabs/glint/pkg/state"),
		workerID: newWorkerID(),
		queues:   make(map[string]chan *EventMessage),
		relays:   make(map[string]Subscription),
	}
}

// newWorkerID builds a worker identity that is stable for the process
// lifetime and readable in logs and Redis keys.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// WorkerID returns this worker's identity.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Callbacks returns the process-local callback registry.
func (m *Manager) Callbacks() *CallbackRegistry {
	m.mu.Lock()
	if m.callbacks == nil {
		m.callbacks = NewCallbackRegistry(m.logger, m.metrics)
	}
	cb := m.callbacks
	m.mu.Unlock()
	return cb
}

// Bridge returns the sync bridge, creating it on first use.
func (m *Manager) Bridge() *Bridge {
	m.mu.Lock()
	if m.bridge == nil {
		m.bridge = NewBridge(m.cfg.BridgeTimeout, m.logger)
	}
	b := m.bridge
	m.mu.Unlock()
	return b
}

// ensureInit builds the configured backends exactly once.
func (m *Manager) ensureInit() error {
	m.initOnce.Do(func() {
		m.initErr = m.init()
	})
	if m.initErr != nil {
		return m.initErr
	}
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrManagerStopped
	}
	return nil
}

func (m *Manager) init() error {
	if !m.cfg.DeployMode {
		m.widgets = NewMemoryWidgetStore()
		m.router = NewMemoryConnectionRouter(m.cfg.ConnectionTTL, m.cfg.CleanupInterval)
		m.sessions = NewMemorySessionStore(m.cfg.RolePermissions, m.cfg.StrictResourceScoping, m.cfg.CleanupInterval)
		if m.cfg.EventBus != nil {
			m.bus = m.cfg.EventBus
		} else {
			m.bus = NewMemoryEventBus(m.cfg.EventQueueSize, m.metrics)
			m.ownsBus = true
		}
		m.logger.Info("state backends initialized", "mode", "memory", "worker_id", m.workerID)
		return nil
	}

	client := m.cfg.RedisClient
	if client == nil {
		if m.cfg.RedisURL == "" {
			return fmt.Errorf("deploy mode requires RedisURL or RedisClient")
		}
		dialed, err := DialRedis(m.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("dial redis: %w", err)
		}
		client = dialed
		m.ownsRedis = true
	}
	m.redisClient = client

	m.widgets = NewRedisWidgetStore(client, m.cfg.KeyPrefix, m.cfg.WidgetTTL)
	m.router = NewRedisConnectionRouter(client, m.cfg.KeyPrefix, m.cfg.ConnectionTTL)
	m.sessions = NewRedisSessionStore(client, m.cfg.KeyPrefix, m.cfg.SessionTTL, m.cfg.RolePermissions, m.cfg.StrictResourceScoping)
	if m.cfg.EventBus != nil {
		m.bus = m.cfg.EventBus
	} else {
		m.bus = NewRedisEventBus(client, m.cfg.KeyPrefix, m.cfg.EventQueueSize, m.logger, m.metrics)
		m.ownsBus = true
	}
	m.logger.Info("state backends initialized", "mode", "redis", "worker_id", m.workerID)
	return nil
}

// Widgets exposes the widget store, initializing backends if needed.
func (m *Manager) Widgets() (WidgetStore, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.widgets, nil
}

// Router exposes the connection router, initializing backends if needed.
func (m *Manager) Router() (ConnectionRouter, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.router, nil
}

// Sessions exposes the session store, initializing backends if needed.
func (m *Manager) Sessions() (SessionStore, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.sessions, nil
}

// Bus exposes the event bus, initializing backends if needed.
func (m *Manager) Bus() (EventBus, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

// ---- widget facade ----

// RegisterWidget stores the widget, stamping this worker as its owner when
// none is set.
func (m *Manager) RegisterWidget(ctx context.Context, rec *WidgetRecord) error {
	if err := m.ensureInit(); err != nil {
		return err
	}
	stored := rec.Clone()
	if stored.OwnerWorkerID == "" {
		stored.OwnerWorkerID = m.workerID
	}
	if err := m.widgets.Register(ctx, stored); err != nil {
		return err
	}
	m.metrics.widgetRegistered()
	return nil
}

// GetWidget returns the widget record, or (nil, nil) if absent.
func (m *Manager) GetWidget(ctx context.Context, widgetID string) (*WidgetRecord, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.widgets.Get(ctx, widgetID)
}

// GetWidgetHTML returns the widget's current HTML.
func (m *Manager) GetWidgetHTML(ctx context.Context, widgetID string) (string, bool, error) {
	if err := m.ensureInit(); err != nil {
		return "", false, err
	}
	return m.widgets.GetHTML(ctx, widgetID)
}

// GetWidgetToken returns the widget's connection token.
func (m *Manager) GetWidgetToken(ctx context.Context, widgetID string) (string, bool, error) {
	if err := m.ensureInit(); err != nil {
		return "", false, err
	}
	return m.widgets.GetToken(ctx, widgetID)
}

// WidgetExists reports whether the widget is registered.
func (m *Manager) WidgetExists(ctx context.Context, widgetID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.widgets.Exists(ctx, widgetID)
}

// UpdateWidgetHTML replaces the widget's HTML.
func (m *Manager) UpdateWidgetHTML(ctx context.Context, widgetID, html string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.widgets.UpdateHTML(ctx, widgetID, html)
}

// UpdateWidgetToken replaces the widget's token.
func (m *Manager) UpdateWidgetToken(ctx context.Context, widgetID, token string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.widgets.UpdateToken(ctx, widgetID, token)
}

// DeleteWidget removes the widget plus its local callbacks, relay, and
// queue. Returns whether the widget existed.
func (m *Manager) DeleteWidget(ctx context.Context, widgetID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	existed, err := m.widgets.Delete(ctx, widgetID)
	if err != nil {
		return false, err
	}
	m.Callbacks().UnregisterWidget(widgetID)
	m.StopWidgetRelay(widgetID)
	m.DetachLocalQueue(widgetID)
	if existed {
		m.metrics.widgetDeleted()
	}
	return existed, nil
}

// ListActiveWidgets returns the IDs of all registered widgets.
func (m *Manager) ListActiveWidgets(ctx context.Context) ([]string, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.widgets.ListActive(ctx)
}

// CountWidgets returns the number of registered widgets.
func (m *Manager) CountWidgets(ctx context.Context) (int, error) {
	if err := m.ensureInit(); err != nil {
		return 0, err
	}
	return m.widgets.Count(ctx)
}

// ---- connection facade ----

// RegisterConnection records a live connection owned by this worker,
// returning the superseded connection if another worker held it.
func (m *Manager) RegisterConnection(ctx context.Context, info *ConnectionInfo) (*ConnectionInfo, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	stored := info.Clone()
	if stored.WorkerID == "" {
		stored.WorkerID = m.workerID
	}
	prev, err := m.router.RegisterConnection(ctx, stored)
	if err != nil {
		return nil, err
	}
	m.metrics.connectionOpened()
	if prev != nil && prev.WorkerID != stored.WorkerID {
		m.logger.Info("connection superseded",
			"widget_id", stored.WidgetID,
			"previous_worker", prev.WorkerID,
			"worker_id", stored.WorkerID)
	}
	return prev, nil
}

// GetConnectionInfo returns the widget's live connection, or (nil, nil).
func (m *Manager) GetConnectionInfo(ctx context.Context, widgetID string) (*ConnectionInfo, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.router.GetConnectionInfo(ctx, widgetID)
}

// GetConnectionOwner returns the worker that owns the widget's connection.
func (m *Manager) GetConnectionOwner(ctx context.Context, widgetID string) (string, bool, error) {
	if err := m.ensureInit(); err != nil {
		return "", false, err
	}
	return m.router.GetOwner(ctx, widgetID)
}

// RefreshHeartbeat extends the widget connection's liveness window.
func (m *Manager) RefreshHeartbeat(ctx context.Context, widgetID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.router.RefreshHeartbeat(ctx, widgetID)
}

// UnregisterConnection removes the widget's connection mapping.
func (m *Manager) UnregisterConnection(ctx context.Context, widgetID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	removed, err := m.router.UnregisterConnection(ctx, widgetID)
	if err != nil {
		return false, err
	}
	if removed {
		m.metrics.connectionClosed()
	}
	return removed, nil
}

// ListWorkerConnections returns the widget IDs whose connections this
// worker owns.
func (m *Manager) ListWorkerConnections(ctx context.Context) ([]string, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.router.ListWorkerConnections(ctx, m.workerID)
}

// ---- session facade ----

// CreateSession stores a session. A zero ttl uses the configured default;
// a negative ttl creates a session that never expires.
func (m *Manager) CreateSession(ctx context.Context, sess *UserSession, ttl time.Duration) error {
	if err := m.ensureInit(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.cfg.SessionTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := m.sessions.CreateSession(ctx, sess, ttl); err != nil {
		return err
	}
	m.metrics.sessionCreated()
	return nil
}

// GetSession returns the session, or (nil, nil) if absent or expired.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*UserSession, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.sessions.GetSession(ctx, sessionID)
}

// ValidateSession reports whether the session exists and is unexpired.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.sessions.ValidateSession(ctx, sessionID)
}

// DeleteSession removes the session.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.sessions.DeleteSession(ctx, sessionID)
}

// RefreshSession extends the session's expiry.
func (m *Manager) RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.sessions.RefreshSession(ctx, sessionID, extend)
}

// ListUserSessions returns the IDs of the user's live sessions.
func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	return m.sessions.ListUserSessions(ctx, userID)
}

// CheckPermission resolves whether the session may perform the permission,
// optionally scoped to a resource.
func (m *Manager) CheckPermission(ctx context.Context, sessionID, resourceType, resourceID, permission string) (bool, error) {
	if err := m.ensureInit(); err != nil {
		return false, err
	}
	return m.sessions.CheckPermission(ctx, sessionID, resourceType, resourceID, permission)
}

// ---- event dispatch ----

// AttachLocalQueue creates (or returns) the local delivery queue for a
// widget whose live connection this worker serves. SendToWidget and the
// widget relay push into it; the connection's write loop drains it.
func (m *Manager) AttachLocalQueue(widgetID string) <-chan *EventMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[widgetID]
	if !ok {
		q = make(chan *EventMessage, m.cfg.EventQueueSize)
		m.queues[widgetID] = q
	}
	return q
}

// DetachLocalQueue removes and closes the widget's local queue.
func (m *Manager) DetachLocalQueue(widgetID string) {
	m.mu.Lock()
	q, ok := m.queues[widgetID]
	if ok {
		delete(m.queues, widgetID)
	}
	m.mu.Unlock()
	if ok {
		close(q)
	}
}

// pushLocal delivers to the widget's local queue if one is attached.
// Returns false when there is no queue; drops the message when the queue
// is full rather than blocking the dispatcher.
func (m *Manager) pushLocal(widgetID string, msg *EventMessage) bool {
	m.mu.Lock()
	q, ok := m.queues[widgetID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case q <- msg:
	default:
		m.metrics.eventDropped()
		m.logger.Warn("local queue full, dropping event",
			"widget_id", widgetID, "event_type", msg.EventType)
	}
	return true
}

// BroadcastEvent publishes the message on a named channel for every
// subscribed worker.
func (m *Manager) BroadcastEvent(ctx context.Context, channel string, msg *EventMessage) error {
	if err := m.ensureInit(); err != nil {
		return err
	}
	ctx, span := m.tracer.Start(ctx, "state.BroadcastEvent",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("event_type", msg.EventType)))
	defer span.End()

	if msg.SourceWorkerID == "" {
		msg.SourceWorkerID = m.workerID
	}
	if err := m.bus.Publish(ctx, channel, msg); err != nil {
		return err
	}
	m.metrics.eventPublished("broadcast")
	return nil
}

// SendToWidget delivers the message to a widget's live connection: straight
// onto the local queue when this worker serves the connection, otherwise
// over the bus to whichever worker does.
func (m *Manager) SendToWidget(ctx context.Context, widgetID string, msg *EventMessage) error {
	if err := m.ensureInit(); err != nil {
		return err
	}
	ctx, span := m.tracer.Start(ctx, "state.SendToWidget",
		trace.WithAttributes(
			attribute.String("widget_id", widgetID),
			attribute.String("event_type", msg.EventType)))
	defer span.End()

	msg.WidgetID = widgetID
	if msg.SourceWorkerID == "" {
		msg.SourceWorkerID = m.workerID
	}

	if m.pushLocal(widgetID, msg) {
		m.metrics.widgetDelivery("local")
		span.SetAttributes(attribute.String("route", "local"))
		return nil
	}

	if err := m.bus.Publish(ctx, WidgetChannel(widgetID), msg); err != nil {
		return err
	}
	m.metrics.widgetDelivery("bus")
	span.SetAttributes(attribute.String("route", "bus"))
	return nil
}

// HandleClientEvent processes an event received from a widget's client. A
// locally registered callback handles it here; otherwise it is republished
// on the widget's channel so the worker holding the callback can process
// it. Returns whether a local callback handled the event, and the
// callback's result.
func (m *Manager) HandleClientEvent(ctx context.Context, msg *EventMessage) (bool, any, error) {
	if err := m.ensureInit(); err != nil {
		return false, nil, err
	}
	ctx, span := m.tracer.Start(ctx, "state.HandleClientEvent",
		trace.WithAttributes(
			attribute.String("widget_id", msg.WidgetID),
			attribute.String("event_type", msg.EventType)))
	defer span.End()

	handled, result := m.Callbacks().Invoke(ctx, msg.WidgetID, msg.EventType, msg.Data)
	if handled {
		span.SetAttributes(attribute.String("route", "local_callback"))
		return true, result, nil
	}

	// Republish only events that originated here: an event already relayed
	// from another worker must not bounce back onto the bus.
	if msg.SourceWorkerID != "" && msg.SourceWorkerID != m.workerID {
		span.SetAttributes(attribute.String("route", "unhandled"))
		return false, nil, nil
	}

	msg.SourceWorkerID = m.workerID
	if err := m.bus.Publish(ctx, WidgetChannel(msg.WidgetID), msg); err != nil {
		return false, nil, err
	}
	m.metrics.eventPublished("relay")
	span.SetAttributes(attribute.String("route", "relayed"))
	return false, nil, nil
}

// StartWidgetRelay subscribes this worker to the widget's channel. Events
// arriving from other workers are handled by local callbacks when one is
// registered, and pushed to the local queue otherwise. Idempotent per
// widget.
func (m *Manager) StartWidgetRelay(ctx context.Context, widgetID string) error {
	if err := m.ensureInit(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.relays[widgetID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(ctx, WidgetChannel(widgetID))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.relays[widgetID]; ok {
		// Lost the race to another StartWidgetRelay.
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	m.relays[widgetID] = sub
	m.mu.Unlock()

	go m.relayLoop(widgetID, sub)
	return nil
}

func (m *Manager) relayLoop(widgetID string, sub Subscription) {
	for msg := range sub.Events() {
		if msg.SourceWorkerID == m.workerID {
			continue
		}
		if msg.TargetWorkerID != "" && msg.TargetWorkerID != m.workerID {
			continue
		}
		if handled, _ := m.Callbacks().Invoke(context.Background(), widgetID, msg.EventType, msg.Data); handled {
			continue
		}
		m.pushLocal(widgetID, msg)
	}
}

// StopWidgetRelay ends the widget's relay subscription, if any.
func (m *Manager) StopWidgetRelay(widgetID string) {
	m.mu.Lock()
	sub, ok := m.relays[widgetID]
	if ok {
		delete(m.relays, widgetID)
	}
	m.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// ---- lifecycle ----

// Stats summarizes this worker's view of the layer.
type Stats struct {
	WorkerID    string        `json:"worker_id"`
	Widgets     int           `json:"widgets"`
	Connections int           `json:"connections"`
	Callbacks   RegistryStats `json:"callbacks"`
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	widgets, err := m.widgets.Count(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := m.router.ListWorkerConnections(ctx, m.workerID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		WorkerID:    m.workerID,
		Widgets:     widgets,
		Connections: len(conns),
		Callbacks:   m.Callbacks().Stats(),
	}, nil
}

// Shutdown unwinds this worker's footprint: its connection records are
// removed, peers are notified on the workers channel, relays and local
// queues are closed, and owned backends are shut down. Injected clients
// and buses are left open for their owners.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	relays := m.relays
	queues := m.queues
	m.relays = make(map[string]Subscription)
	m.queues = make(map[string]chan *EventMessage)
	bridge := m.bridge
	m.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Backends were never built; nothing to unwind.
	if m.widgets == nil {
		if bridge != nil {
			record(bridge.Close())
		}
		return firstErr
	}

	if widgetIDs, err := m.router.ListWorkerConnections(ctx, m.workerID); err == nil {
		for _, widgetID := range widgetIDs {
			if _, err := m.router.UnregisterConnection(ctx, widgetID); err != nil {
				m.logger.Warn("failed to unregister connection during shutdown",
					"widget_id", widgetID, "error", err)
			}
		}
	} else {
		m.logger.Warn("failed to list connections during shutdown", "error", err)
	}

	// Best-effort; peers tolerate missing shutdown notices.
	notice := NewEventMessage(EventTypeWorkerShutdown, "", map[string]any{
		"worker_id": m.workerID,
	})
	notice.SourceWorkerID = m.workerID
	if err := m.bus.Publish(ctx, WorkersChannel, notice); err != nil {
		m.logger.Warn("failed to publish shutdown notice", "error", err)
	}

	for _, sub := range relays {
		sub.Unsubscribe()
	}
	for _, q := range queues {
		close(q)
	}
	if bridge != nil {
		record(bridge.Close())
	}

	if m.ownsBus {
		record(m.bus.Close())
	}
	record(m.widgets.Close())
	record(m.router.Close())
	record(m.sessions.Close())
	if m.ownsRedis && m.redisClient != nil {
		record(m.redisClient.Close())
	}

	m.logger.Info("state manager stopped", "worker_id", m.workerID)
	return firstErr
}
