package state

import "context"

// EventBus fans out event messages on named channels.
//
// Delivery is fire-and-forget, at-least-once to currently connected
// subscribers only: a subscriber that was not listening when Publish ran
// never sees that message. There is no replay and no cross-channel ordering
// guarantee, only best-effort FIFO within one subscriber's queue.
type EventBus interface {
	// Publish sends a message to all current subscribers of the channel.
	Publish(ctx context.Context, channel string, msg *EventMessage) error

	// Subscribe opens a long-lived stream of messages on the channel. The
	// stream ends when Unsubscribe is called, the context is cancelled, or
	// the bus closes.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close shuts down the bus and ends all subscriptions.
	Close() error
}

// Subscription is one subscriber's view of a channel.
type Subscription interface {
	// Events is the message stream. It is closed when the subscription
	// ends. A subscriber that falls behind loses the newest messages
	// rather than blocking the publisher.
	Events() <-chan *EventMessage

	// Unsubscribe ends the subscription. Safe to call more than once.
	Unsubscribe()
}
