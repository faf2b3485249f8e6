package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBridge(t *testing.T) {
	ctx := context.Background()

	t.Run("Do", func(t *testing.T) {
		bridge := NewBridge(time.Second, nil)
		defer bridge.Close()

		result, err := bridge.Do(ctx, func(ctx context.Context) (any, error) {
			return 42, nil
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if result != 42 {
			t.Errorf("Do result: got %v, want 42", result)
		}
	})

	t.Run("ErrorPropagates", func(t *testing.T) {
		bridge := NewBridge(time.Second, nil)
		defer bridge.Close()

		wantErr := errors.New("store unavailable")
		_, err := bridge.Do(ctx, func(ctx context.Context) (any, error) {
			return nil, wantErr
		})
		if err != wantErr {
			t.Errorf("Do error: got %v, want %v", err, wantErr)
		}
	})

	t.Run("Reentrancy", func(t *testing.T) {
		bridge := NewBridge(time.Second, nil)
		defer bridge.Close()

		_, err := bridge.Do(ctx, func(inner context.Context) (any, error) {
			// Calling back into the bridge from bridge-run code would
			// deadlock the single worker; it must fail fast instead.
			_, nested := bridge.Do(inner, func(ctx context.Context) (any, error) {
				return nil, nil
			})
			return nil, nested
		})
		if !errors.Is(err, ErrBridgeReentrant) {
			t.Errorf("nested Do: got %v, want ErrBridgeReentrant", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		bridge := NewBridge(50*time.Millisecond, nil)
		defer bridge.Close()

		started := time.Now()
		_, err := bridge.Do(ctx, func(ctx context.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if !errors.Is(err, ErrBridgeTimeout) {
			t.Fatalf("slow call: got %v, want ErrBridgeTimeout", err)
		}
		if time.Since(started) > 2*time.Second {
			t.Error("timeout did not bound the wait")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		bridge := NewBridge(time.Second, nil)
		bridge.Close()

		_, err := bridge.Do(ctx, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		if !errors.Is(err, ErrBridgeClosed) {
			t.Errorf("Do on closed bridge: got %v, want ErrBridgeClosed", err)
		}
	})

	t.Run("CallerDeadlineWins", func(t *testing.T) {
		bridge := NewBridge(time.Minute, nil)
		defer bridge.Close()

		shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err := bridge.Do(shortCtx, func(ctx context.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if err == nil {
			t.Fatal("expected an error from the caller's deadline")
		}
	})
}
