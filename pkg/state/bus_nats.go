package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSEventBus is an EventBus backed by a NATS connection, for fleets that
// already run a message broker instead of (or alongside) Redis. Channels
// map to subjects as {prefix}.channel.{channel} with ":" rewritten to "_",
// since NATS subjects use "." as a token separator.
//
// Inject it via Config.EventBus; the shared stores still need Redis in
// deploy mode.
type NATSEventBus struct {
	nc      *nats.Conn
	prefix  string
	bufSize int
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	subs   map[*natsSubscription]bool
	closed bool
}

// NewNATSEventBus creates a NATS-backed bus on an existing connection.
// The connection is owned by the caller.
func NewNATSEventBus(nc *nats.Conn, prefix string, bufSize int, logger *slog.Logger, metrics *Metrics) *NATSEventBus {
	if prefix == "" {
		prefix = "glint"
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSEventBus{
		nc:      nc,
		prefix:  prefix,
		bufSize: bufSize,
		logger:  logger.With("component", "nats_event_bus"),
		metrics: metrics,
		subs:    make(map[*natsSubscription]bool),
	}
}

func (b *NATSEventBus) subject(channel string) string {
	return b.prefix + ".channel." + strings.ReplaceAll(channel, ":", "_")
}

// Publish sends the message to all current subscribers of the channel.
func (b *NATSEventBus) Publish(ctx context.Context, channel string, msg *EventMessage) error {
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
	return b.nc.Publish(b.subject(channel), payload)
}

// Subscribe opens a stream on the channel.
func (b *NATSEventBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	raw := make(chan *nats.Msg, b.bufSize)
	natsSub, err := b.nc.ChanSubscribe(b.subject(channel), raw)
	if err != nil {
		return nil, err
	}

	sub := &natsSubscription{
		bus:     b,
		natsSub: natsSub,
		raw:     raw,
		events:  make(chan *EventMessage, b.bufSize),
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

// Close shuts down the bus and all its subscriptions. The NATS connection
// stays open; the caller owns it.
func (b *NATSEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*natsSubscription, 0, len(b.subs))
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

type natsSubscription struct {
	bus     *NATSEventBus
	natsSub *nats.Subscription
	raw     chan *nats.Msg
	events  chan *EventMessage
	once    sync.Once
}

func (s *natsSubscription) pump() {
	defer close(s.events)
	for m := range s.raw {
		var msg EventMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			s.bus.logger.Warn("dropping undecodable event", "subject", m.Subject, "error", err)
			continue
		}
		select {
		case s.events <- &msg:
		default:
			s.bus.metrics.eventDropped()
		}
	}
}

func (s *natsSubscription) Events() <-chan *EventMessage {
	return s.events
}

// Unsubscribe ends the subscription.
func (s *natsSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	if !s.bus.closed {
		delete(s.bus.subs, s)
	}
	s.bus.mu.Unlock()
	s.close()
}

func (s *natsSubscription) close() {
	s.once.Do(func() {
		_ = s.natsSub.Unsubscribe()
		close(s.raw)
	})
}
