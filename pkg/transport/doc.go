// Package transport serves the sandbox protocol over HTTP.
//
// The transport layer bridges remote callers and the in-process manager.
// It deserializes incoming requests into the protocol types defined in
// pkg/api, dispatches them to a Manager, and serializes results or typed
// errors back to the client as JSON.
//
// # Routes
//
//   - POST   /sandboxes                      connect (provision or reuse per type)
//   - POST   /sandboxes/{id}/tools/{name}   dispatch one tool call
//   - DELETE /sandboxes/{id}                release one sandbox
//   - DELETE /sandboxes?session_id=&user_id=[&type=]  release by owner key
//   - GET    /types                          list registered sandbox types
//   - GET    /health                         aggregate liveness
//
// Every error body carries the {"error":{"error_kind","message"}} envelope;
// the HTTP status is derived from the error kind.
//
// # Middleware
//
// The handler chain wraps the mux with panic recovery, request ID
// assignment (X-Request-ID), structured logging via log/slog, and request
// metrics. Authentication middleware from pkg/auth is layered outside
// this package so rejections happen before any manager logic runs.
package transport
