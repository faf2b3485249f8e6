// Package live is the reference HTTP/WebSocket transport over the
// coordination layer in pkg/state.
//
// It serves registered widget documents, accepts widget registrations, and
// upgrades widget connections to a duplex channel: server-pushed updates
// flow from the widget's local queue to the socket, and client events flow
// the other way into the manager's dispatch path.
//
// The transport is deliberately thin. Everything that must survive a worker
// restart or be visible to other workers lives in pkg/state; this package
// only binds one live socket to it.
package live
