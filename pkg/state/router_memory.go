package state

import (
	"context"
	"sync"
	"time"
)

// MemoryConnectionRouter is the in-process ConnectionRouter. Connection
// records expire once their TTL passes without a heartbeat; expiry is
// checked on every read and enforced by a background cleanup loop.
type MemoryConnectionRouter struct {
	mu          sync.RWMutex
	connections map[string]*ConnectionInfo // widget -> connection
	byWorker    map[string]map[string]bool // worker -> widget set
	ttl         time.Duration
	closed      bool
	done        chan struct{}

	// now is overrideable for tests.
	now func() time.Time
}

// NewMemoryConnectionRouter creates an in-memory router whose records
// expire after ttl without a heartbeat.
func NewMemoryConnectionRouter(ttl, cleanupInterval time.Duration) *MemoryConnectionRouter {
	r := &MemoryConnectionRouter{
		connections: make(map[string]*ConnectionInfo),
		byWorker:    make(map[string]map[string]bool),
		ttl:         ttl,
		done:        make(chan struct{}),
		now:         time.Now,
	}
	if cleanupInterval > 0 {
		go r.cleanupLoop(cleanupInterval)
	}
	return r
}

// RegisterConnection records the connection, superseding any previous
// owner. The superseded info is returned for the caller to close.
func (r *MemoryConnectionRouter) RegisterConnection(ctx context.Context, info *ConnectionInfo) (*ConnectionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	now := r.now()
	stored := info.Clone()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}
	stored.LastHeartbeat = now

	prev := r.connections[info.WidgetID]
	if prev != nil {
		r.detachWorkerLocked(prev.WorkerID, prev.WidgetID)
		if r.expiredLocked(prev, now) {
			prev = nil
		}
	}

	r.connections[info.WidgetID] = stored
	if r.byWorker[stored.WorkerID] == nil {
		r.byWorker[stored.WorkerID] = make(map[string]bool)
	}
	r.byWorker[stored.WorkerID][stored.WidgetID] = true

	return prev.Clone(), nil
}

// GetConnectionInfo returns the live connection, or (nil, nil).
func (r *MemoryConnectionRouter) GetConnectionInfo(ctx context.Context, widgetID string) (*ConnectionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}
	info := r.connections[widgetID]
	if info == nil || r.expiredLocked(info, r.now()) {
		return nil, nil
	}
	return info.Clone(), nil
}

// GetOwner returns the owning worker ID.
func (r *MemoryConnectionRouter) GetOwner(ctx context.Context, widgetID string) (string, bool, error) {
	info, err := r.GetConnectionInfo(ctx, widgetID)
	if err != nil || info == nil {
		return "", false, err
	}
	return info.WorkerID, true, nil
}

// RefreshHeartbeat updates the heartbeat timestamp. Returns false if the
// connection already expired.
func (r *MemoryConnectionRouter) RefreshHeartbeat(ctx context.Context, widgetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrStoreClosed
	}
	info := r.connections[widgetID]
	now := r.now()
	if info == nil || r.expiredLocked(info, now) {
		return false, nil
	}
	info.LastHeartbeat = now
	return true, nil
}

// UnregisterConnection removes the widget's connection mapping.
func (r *MemoryConnectionRouter) UnregisterConnection(ctx context.Context, widgetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrStoreClosed
	}
	info := r.connections[widgetID]
	if info == nil {
		return false, nil
	}
	r.removeLocked(widgetID, info)
	return true, nil
}

// ListWorkerConnections returns the widget IDs owned by a worker.
func (r *MemoryConnectionRouter) ListWorkerConnections(ctx context.Context, workerID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}
	now := r.now()
	ids := make([]string, 0, len(r.byWorker[workerID]))
	for widgetID := range r.byWorker[workerID] {
		if info := r.connections[widgetID]; info != nil && !r.expiredLocked(info, now) {
			ids = append(ids, widgetID)
		}
	}
	return ids, nil
}

// Close releases the router.
func (r *MemoryConnectionRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	r.connections = nil
	r.byWorker = nil
	return nil
}

func (r *MemoryConnectionRouter) expiredLocked(info *ConnectionInfo, now time.Time) bool {
	return r.ttl > 0 && now.Sub(info.LastHeartbeat) > r.ttl
}

func (r *MemoryConnectionRouter) removeLocked(widgetID string, info *ConnectionInfo) {
	delete(r.connections, widgetID)
	r.detachWorkerLocked(info.WorkerID, widgetID)
}

func (r *MemoryConnectionRouter) detachWorkerLocked(workerID, widgetID string) {
	set := r.byWorker[workerID]
	delete(set, widgetID)
	if len(set) == 0 {
		delete(r.byWorker, workerID)
	}
}

// cleanupLoop periodically removes expired connections.
func (r *MemoryConnectionRouter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.done:
			return
		}
	}
}

func (r *MemoryConnectionRouter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := r.now()
	for widgetID, info := range r.connections {
		if r.expiredLocked(info, now) {
			r.removeLocked(widgetID, info)
		}
	}
}
