package state

import (
	"context"
	"encoding/json"
	"time"
)

// RedisWidgetStore is the Redis-backed WidgetStore for multi-worker
// deployments. Each widget is a hash at {prefix}:widget:{id} with a TTL,
// plus membership in the {prefix}:widgets:active set. Register wraps the
// hash write, TTL set, and set add in one atomic pipeline so a widget can
// never be listed active without a payload.
type RedisWidgetStore struct {
	client RedisClient
	keys   keyspace
	ttl    time.Duration
}

// NewRedisWidgetStore creates a Redis-backed widget store.
func NewRedisWidgetStore(client RedisClient, prefix string, ttl time.Duration) *RedisWidgetStore {
	return &RedisWidgetStore{
		client: client,
		keys:   keyspace{prefix: prefix},
		ttl:    ttl,
	}
}

// Register upserts the widget record atomically.
func (s *RedisWidgetStore) Register(ctx context.Context, rec *WidgetRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	fields := map[string]any{
		"html":            rec.HTML,
		"token":           rec.Token,
		"created_at":      createdAt.Format(time.RFC3339Nano),
		"owner_worker_id": rec.OwnerWorkerID,
	}
	if rec.Metadata != nil {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		fields["metadata"] = string(meta)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.widget(rec.WidgetID), fields)
	pipe.Expire(ctx, s.keys.widget(rec.WidgetID), s.ttl)
	pipe.SAdd(ctx, s.keys.widgetsActive(), rec.WidgetID)
	return pipe.Exec(ctx)
}

// Get returns the record, or (nil, nil) if absent.
func (s *RedisWidgetStore) Get(ctx context.Context, widgetID string) (*WidgetRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.widget(widgetID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &WidgetRecord{
		WidgetID:      widgetID,
		HTML:          fields["html"],
		Token:         fields["token"],
		OwnerWorkerID: fields["owner_worker_id"],
	}
	if v := fields["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CreatedAt = t
		}
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetHTML returns the widget's HTML.
func (s *RedisWidgetStore) GetHTML(ctx context.Context, widgetID string) (string, bool, error) {
	return s.client.HGet(ctx, s.keys.widget(widgetID), "html")
}

// GetToken returns the widget's token.
func (s *RedisWidgetStore) GetToken(ctx context.Context, widgetID string) (string, bool, error) {
	return s.client.HGet(ctx, s.keys.widget(widgetID), "token")
}

// Exists reports whether the widget is registered.
func (s *RedisWidgetStore) Exists(ctx context.Context, widgetID string) (bool, error) {
	return s.client.Exists(ctx, s.keys.widget(widgetID))
}

// UpdateHTML replaces the widget's HTML, sliding the TTL so an actively
// updated widget is never evicted mid-use.
func (s *RedisWidgetStore) UpdateHTML(ctx context.Context, widgetID, html string) (bool, error) {
	return s.updateField(ctx, widgetID, "html", html)
}

// UpdateToken replaces the widget's token, sliding the TTL.
func (s *RedisWidgetStore) UpdateToken(ctx context.Context, widgetID, token string) (bool, error) {
	return s.updateField(ctx, widgetID, "token", token)
}

func (s *RedisWidgetStore) updateField(ctx context.Context, widgetID, field, value string) (bool, error) {
	key := s.keys.widget(widgetID)
	exists, err := s.client.Exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{field: value})
	pipe.Expire(ctx, key, s.ttl)
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the widget and its active-set membership atomically.
func (s *RedisWidgetStore) Delete(ctx context.Context, widgetID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keys.widget(widgetID))
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.widget(widgetID))
	pipe.SRem(ctx, s.keys.widgetsActive(), widgetID)
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return exists, nil
}

// ListActive returns the IDs in the active set, dropping members whose
// hash has already expired (the set itself has no TTL).
func (s *RedisWidgetStore) ListActive(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.widgetsActive())
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(members))
	for _, id := range members {
		exists, err := s.client.Exists(ctx, s.keys.widget(id))
		if err != nil {
			return nil, err
		}
		if exists {
			active = append(active, id)
		} else {
			// Lazy repair of stale membership.
			_ = s.client.SRem(ctx, s.keys.widgetsActive(), id)
		}
	}
	return active, nil
}

// Count returns the number of active widgets.
func (s *RedisWidgetStore) Count(ctx context.Context) (int, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close is a no-op; the Redis client is shared and owned by the manager.
func (s *RedisWidgetStore) Close() error {
	return nil
}
