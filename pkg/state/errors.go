package state

import "errors"

// Error types for the coordination layer.
//
// Missing widgets, connections, and sessions are never errors: reads return
// a false/nil result instead. Errors are reserved for backend connectivity
// problems, misuse of the sync bridge, and operations on stopped components.
var (
	// ErrManagerStopped is returned when operations are attempted on a
	// manager that has been shut down.
	ErrManagerStopped = errors.New("state manager is stopped")

	// ErrStoreClosed is returned when operations are attempted on a closed
	// store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrBusClosed is returned when publishing or subscribing on a closed
	// event bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrBridgeReentrant is returned when Bridge.Do is called from inside a
	// bridge job. Blocking there would deadlock the bridge loop.
	ErrBridgeReentrant = errors.New("bridge call from inside bridge loop")

	// ErrBridgeTimeout is returned when a bridged call does not complete
	// within the configured timeout.
	ErrBridgeTimeout = errors.New("bridge call timed out")

	// ErrBridgeClosed is returned when submitting to a closed bridge.
	ErrBridgeClosed = errors.New("bridge is closed")
)
