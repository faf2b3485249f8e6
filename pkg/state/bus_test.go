package state

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub Subscription) *EventMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed while waiting for an event")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestMemoryEventBus(t *testing.T) {
	ctx := context.Background()

	t.Run("FanOut", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		defer bus.Close()

		sub1, err := bus.Subscribe(ctx, "widget:1")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		sub2, err := bus.Subscribe(ctx, "widget:1")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		msg := NewEventMessage("click", "widget-1", map[string]any{"x": 1})
		if err := bus.Publish(ctx, "widget:1", msg); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		for _, sub := range []Subscription{sub1, sub2} {
			got := recvEvent(t, sub)
			if got.EventType != "click" || got.MessageID != msg.MessageID {
				t.Errorf("received wrong event: %+v", got)
			}
		}
	})

	t.Run("ChannelIsolation", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		defer bus.Close()

		other, _ := bus.Subscribe(ctx, "widget:other")
		bus.Publish(ctx, "widget:1", NewEventMessage("click", "widget-1", nil))

		select {
		case msg := <-other.Events():
			t.Errorf("event leaked across channels: %+v", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("NoReplay", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		defer bus.Close()

		// Published before anyone subscribes: gone.
		bus.Publish(ctx, "widget:1", NewEventMessage("early", "widget-1", nil))

		sub, _ := bus.Subscribe(ctx, "widget:1")
		select {
		case msg := <-sub.Events():
			t.Errorf("subscriber replayed an old event: %+v", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("DropOnFull", func(t *testing.T) {
		bus := NewMemoryEventBus(1, nil)
		defer bus.Close()

		sub, _ := bus.Subscribe(ctx, "widget:1")
		first := NewEventMessage("first", "widget-1", nil)
		bus.Publish(ctx, "widget:1", first)
		bus.Publish(ctx, "widget:1", NewEventMessage("second", "widget-1", nil))

		got := recvEvent(t, sub)
		if got.MessageID != first.MessageID {
			t.Errorf("kept the wrong message: %+v", got)
		}
		select {
		case msg := <-sub.Events():
			t.Errorf("overflow message was not dropped: %+v", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		defer bus.Close()

		sub, _ := bus.Subscribe(ctx, "widget:1")
		sub.Unsubscribe()

		if _, ok := <-sub.Events(); ok {
			t.Error("events channel not closed after Unsubscribe")
		}
		// Publishing after the only subscriber left must not fail.
		if err := bus.Publish(ctx, "widget:1", NewEventMessage("click", "widget-1", nil)); err != nil {
			t.Errorf("Publish after unsubscribe failed: %v", err)
		}
	})

	t.Run("ContextCancelEndsSubscription", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		defer bus.Close()

		subCtx, cancel := context.WithCancel(ctx)
		sub, _ := bus.Subscribe(subCtx, "widget:1")
		cancel()

		select {
		case _, ok := <-sub.Events():
			if ok {
				t.Error("received an event instead of a close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not closed after context cancel")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		bus := NewMemoryEventBus(8, nil)
		sub, _ := bus.Subscribe(ctx, "widget:1")
		bus.Close()

		if _, ok := <-sub.Events(); ok {
			t.Error("events channel not closed by bus Close")
		}
		if err := bus.Publish(ctx, "widget:1", NewEventMessage("click", "widget-1", nil)); err != ErrBusClosed {
			t.Errorf("Publish on closed bus: got %v, want ErrBusClosed", err)
		}
		if _, err := bus.Subscribe(ctx, "widget:1"); err != ErrBusClosed {
			t.Errorf("Subscribe on closed bus: got %v, want ErrBusClosed", err)
		}
	})
}

func TestRedisEventBus(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishSubscribe", func(t *testing.T) {
		client := newFakeRedis()
		bus := NewRedisEventBus(client, "glint", 8, nil, nil)
		defer bus.Close()

		sub, err := bus.Subscribe(ctx, "widget:1")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		msg := NewEventMessage("click", "widget-1", map[string]any{"x": 2.0})
		if err := bus.Publish(ctx, "widget:1", msg); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		got := recvEvent(t, sub)
		if got.EventType != "click" || got.MessageID != msg.MessageID {
			t.Errorf("received wrong event: %+v", got)
		}
		if got.Data["x"] != 2.0 {
			t.Errorf("payload lost in transit: %+v", got.Data)
		}
	})

	t.Run("UndecodablePayloadSkipped", func(t *testing.T) {
		client := newFakeRedis()
		bus := NewRedisEventBus(client, "glint", 8, nil, nil)
		defer bus.Close()

		sub, _ := bus.Subscribe(ctx, "widget:1")
		client.Publish(ctx, "glint:channel:widget:1", []byte("not json"))
		msg := NewEventMessage("click", "widget-1", nil)
		bus.Publish(ctx, "widget:1", msg)

		// The garbage frame is skipped; the real one still arrives.
		got := recvEvent(t, sub)
		if got.MessageID != msg.MessageID {
			t.Errorf("received wrong event: %+v", got)
		}
	})

	t.Run("UnsubscribeClosesStream", func(t *testing.T) {
		client := newFakeRedis()
		bus := NewRedisEventBus(client, "glint", 8, nil, nil)
		defer bus.Close()

		sub, _ := bus.Subscribe(ctx, "widget:1")
		sub.Unsubscribe()

		select {
		case _, ok := <-sub.Events():
			if ok {
				t.Error("received an event instead of a close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("events channel not closed after Unsubscribe")
		}
	})

	t.Run("CloseEndsAllSubscriptions", func(t *testing.T) {
		client := newFakeRedis()
		bus := NewRedisEventBus(client, "glint", 8, nil, nil)

		sub, _ := bus.Subscribe(ctx, "widget:1")
		bus.Close()

		select {
		case _, ok := <-sub.Events():
			if ok {
				t.Error("received an event instead of a close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("events channel not closed by bus Close")
		}
		if err := bus.Publish(ctx, "widget:1", NewEventMessage("click", "widget-1", nil)); err != ErrBusClosed {
			t.Errorf("Publish on closed bus: got %v, want ErrBusClosed", err)
		}
	})
}
