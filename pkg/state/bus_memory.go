package state

import (
	"context"
	"sync"
)

// MemoryEventBus is the in-process EventBus. Each subscriber gets a bounded
// queue; when a queue is full the newest message is dropped rather than
// blocking the publisher, since events are advisory UI updates.
type MemoryEventBus struct {
	mu       sync.RWMutex
	channels map[string]map[int64]*memorySubscription
	nextID   int64
	bufSize  int
	closed   bool
	metrics  *Metrics
}

// NewMemoryEventBus creates an in-process bus with the given per-subscriber
// queue size.
func NewMemoryEventBus(bufSize int, metrics *Metrics) *MemoryEventBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemoryEventBus{
		channels: make(map[string]map[int64]*memorySubscription),
		bufSize:  bufSize,
		metrics:  metrics,
	}
}

type memorySubscription struct {
	id      int64
	channel string
	events  chan *EventMessage
	bus     *MemoryEventBus
	once    sync.Once
}

// Publish fans the message out to all current subscribers of the channel.
// Sends happen under the read lock so they cannot race a channel close,
// which only happens under the write lock; sends are non-blocking, so no
// subscriber can stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, channel string, msg *EventMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.channels[channel] {
		select {
		case sub.events <- msg:
		default:
			// Queue full: drop rather than block the publisher.
			b.metrics.eventDropped()
		}
	}
	return nil
}

// Subscribe opens a stream on the channel. Cancelling ctx ends the
// subscription.
func (b *MemoryEventBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		channel: channel,
		events:  make(chan *EventMessage, b.bufSize),
		bus:     b,
	}
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[int64]*memorySubscription)
	}
	b.channels[channel][sub.id] = sub
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// Close shuts down the bus and ends all subscriptions.
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, byID := range b.channels {
		for _, sub := range byID {
			sub.closeOnce()
		}
	}
	b.channels = nil
	b.mu.Unlock()
	return nil
}

func (s *memorySubscription) Events() <-chan *EventMessage {
	return s.events
}

// Unsubscribe removes the subscription and closes its stream.
func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if !s.bus.closed {
		byID := s.bus.channels[s.channel]
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(s.bus.channels, s.channel)
		}
	}
	s.closeOnce()
}

func (s *memorySubscription) closeOnce() {
	s.once.Do(func() { close(s.events) })
}
