// Package state is the shared coordination layer for a fleet of glint
// workers. It tracks which widgets exist, which worker owns each widget's
// live connection, which user sessions are active, and which process-local
// callbacks handle which client events.
//
// Every shared store comes in two interchangeable flavors: an in-process
// memory backend for single-worker deployments, and a Redis-backed backend
// for fleets that need to share state across processes. The Manager picks
// the backend once, at construction, from Config.DeployMode; callers never
// branch on deployment mode themselves.
//
// # Components
//
//   - WidgetStore: CRUD and TTL for widget HTML, tokens, and metadata.
//   - EventBus: fan-out pub/sub of EventMessage on named channels.
//   - ConnectionRouter: widget -> owning-worker mapping with heartbeats.
//   - SessionStore: authenticated sessions with roles and RBAC checks.
//   - CallbackRegistry: process-local (widget, event) -> handler map.
//   - Manager: composition root unifying all of the above.
//
// Callbacks are intentionally never replicated: handlers are native Go
// functions and cannot cross a process boundary. Cross-worker delivery is
// achieved one layer up, by routing events through the EventBus to the
// worker that owns the widget's connection.
package state
