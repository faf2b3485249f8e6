package state

import (
	"context"
	"time"
)

// RedisConnectionRouter is the Redis-backed ConnectionRouter. Connection
// records are TTL-bound hashes at {prefix}:conn:{widget_id}; each worker's
// owned widgets are mirrored in the {prefix}:worker:{id}:connections set so
// a worker can enumerate its connections on shutdown.
type RedisConnectionRouter struct {
	client RedisClient
	keys   keyspace
	ttl    time.Duration
}

// NewRedisConnectionRouter creates a Redis-backed router whose records
// expire after ttl without a heartbeat.
func NewRedisConnectionRouter(client RedisClient, prefix string, ttl time.Duration) *RedisConnectionRouter {
	return &RedisConnectionRouter{
		client: client,
		keys:   keyspace{prefix: prefix},
		ttl:    ttl,
	}
}

// RegisterConnection records the connection, superseding any previous
// owner. The hash write, TTL set, and worker-set updates run as one atomic
// pipeline.
func (r *RedisConnectionRouter) RegisterConnection(ctx context.Context, info *ConnectionInfo) (*ConnectionInfo, error) {
	prev, err := r.GetConnectionInfo(ctx, info.WidgetID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stored := info.Clone()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}
	stored.LastHeartbeat = now

	fields := map[string]any{
		"widget_id":      stored.WidgetID,
		"worker_id":      stored.WorkerID,
		"connected_at":   stored.ConnectedAt.Format(time.RFC3339Nano),
		"last_heartbeat": stored.LastHeartbeat.Format(time.RFC3339Nano),
		"user_id":        stored.UserID,
		"session_id":     stored.SessionID,
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keys.conn(stored.WidgetID), fields)
	pipe.Expire(ctx, r.keys.conn(stored.WidgetID), r.ttl)
	pipe.SAdd(ctx, r.keys.workerConns(stored.WorkerID), stored.WidgetID)
	if prev != nil && prev.WorkerID != stored.WorkerID {
		pipe.SRem(ctx, r.keys.workerConns(prev.WorkerID), stored.WidgetID)
	}
	if err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

// GetConnectionInfo returns the live connection, or (nil, nil). The
// heartbeat age is double-checked against the TTL in case the backend has
// not yet purged an expired record.
func (r *RedisConnectionRouter) GetConnectionInfo(ctx context.Context, widgetID string) (*ConnectionInfo, error) {
	fields, err := r.client.HGetAll(ctx, r.keys.conn(widgetID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &ConnectionInfo{
		WidgetID:  widgetID,
		WorkerID:  fields["worker_id"],
		UserID:    fields["user_id"],
		SessionID: fields["session_id"],
	}
	if v := fields["connected_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			info.ConnectedAt = t
		}
	}
	if v := fields["last_heartbeat"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			info.LastHeartbeat = t
		}
	}
	if r.ttl > 0 && !info.LastHeartbeat.IsZero() && time.Since(info.LastHeartbeat) > r.ttl {
		return nil, nil
	}
	return info, nil
}

// GetOwner returns the owning worker ID.
func (r *RedisConnectionRouter) GetOwner(ctx context.Context, widgetID string) (string, bool, error) {
	info, err := r.GetConnectionInfo(ctx, widgetID)
	if err != nil || info == nil {
		return "", false, err
	}
	return info.WorkerID, true, nil
}

// RefreshHeartbeat updates the heartbeat timestamp and resets the TTL.
// Returns false if the connection already expired.
func (r *RedisConnectionRouter) RefreshHeartbeat(ctx context.Context, widgetID string) (bool, error) {
	info, err := r.GetConnectionInfo(ctx, widgetID)
	if err != nil || info == nil {
		return false, err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keys.conn(widgetID), map[string]any{
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, r.keys.conn(widgetID), r.ttl)
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UnregisterConnection removes the widget's connection mapping.
func (r *RedisConnectionRouter) UnregisterConnection(ctx context.Context, widgetID string) (bool, error) {
	info, err := r.GetConnectionInfo(ctx, widgetID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keys.conn(widgetID))
	pipe.SRem(ctx, r.keys.workerConns(info.WorkerID), widgetID)
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListWorkerConnections returns the widget IDs the worker owns, dropping
// entries whose connection hash already expired.
func (r *RedisConnectionRouter) ListWorkerConnections(ctx context.Context, workerID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.keys.workerConns(workerID))
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(members))
	for _, widgetID := range members {
		info, err := r.GetConnectionInfo(ctx, widgetID)
		if err != nil {
			return nil, err
		}
		if info != nil && info.WorkerID == workerID {
			live = append(live, widgetID)
		} else {
			// Lazy repair of stale membership.
			_ = r.client.SRem(ctx, r.keys.workerConns(workerID), widgetID)
		}
	}
	return live, nil
}

// Close is a no-op; the Redis client is shared and owned by the manager.
func (r *RedisConnectionRouter) Close() error {
	return nil
}
