package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// RedisEventBus is the Redis-backed EventBus. Messages are JSON-encoded
// EventMessages on the store's native pub/sub channels, namespaced as
// {prefix}:channel:{channel}. Delivery reaches currently connected
// subscribers only; there is no replay.
type RedisEventBus struct {
	client  RedisClient
	keys    keyspace
	bufSize int
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	subs   map[*redisSubscription]bool
	closed bool
}

// NewRedisEventBus creates a Redis-backed bus.
func NewRedisEventBus(client RedisClient, prefix string, bufSize int, logger *slog.Logger, metrics *Metrics) *RedisEventBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisEventBus{
		client:  client,
		keys:    keyspace{prefix: prefix},
		bufSize: bufSize,
		logger:  logger.With("component", "redis_event_bus"),
		metrics: metrics,
		subs:    make(map[*redisSubscription]bool),
	}
}

// Publish sends the message to all current subscribers of the channel.
func (b *RedisEventBus) Publish(ctx context.Context, channel string, msg *EventMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.keys.channel(channel), payload)
}

// Subscribe opens a stream on the channel. Unsubscribe is best-effort: the
// underlying pub/sub connection is managed by the stream's lifetime.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ps, err := b.client.Subscribe(ctx, b.keys.channel(channel))
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		bus:    b,
		ps:     ps,
		events: make(chan *EventMessage, b.bufSize),
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	go sub.pump()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// Close shuts down the bus and all its subscriptions. The shared Redis
// client itself stays open; the manager owns it.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisEventBus
	ps     RedisPubSub
	events chan *EventMessage
	once   sync.Once
}

// pump decodes raw pub/sub payloads into the subscriber stream until the
// underlying subscription closes.
func (s *redisSubscription) pump() {
	defer close(s.events)
	for raw := range s.ps.Channel() {
		var msg EventMessage
		if err := json.Unmarshal(raw.Payload, &msg); err != nil {
			s.bus.logger.Warn("dropping undecodable event", "channel", raw.Channel, "error", err)
			continue
		}
		select {
		case s.events <- &msg:
		default:
			// Subscriber is behind; drop rather than stall the pump.
			s.bus.metrics.eventDropped()
		}
	}
}

func (s *redisSubscription) Events() <-chan *EventMessage {
	return s.events
}

// Unsubscribe ends the subscription.
func (s *redisSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	if !s.bus.closed {
		delete(s.bus.subs, s)
	}
	s.bus.mu.Unlock()
	s.close()
}

func (s *redisSubscription) close() {
	s.once.Do(func() {
		// Closing the pub/sub ends Channel(), which ends pump and closes
		// the events stream.
		_ = s.ps.Close()
	})
}
