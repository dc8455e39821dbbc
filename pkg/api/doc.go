// Package api defines the core data model and error taxonomy for the
// sandkasten orchestration layer: sandbox type metadata, live-instance
// records, tool descriptors, artifact references, and the wire types of
// the remote protocol.
//
// The package has zero external dependencies (Go standard library only)
// and performs no I/O, so registry, sandbox variants, manager, service,
// and transport can all import it without cycles.
//
// Core types:
//   - [SandboxType]: immutable metadata for a registered sandbox kind
//   - [SandboxRecord]: live-instance state tracked by the manager
//   - [ToolDescriptor]: tool name plus parameter schema for pre-dispatch validation
//   - [ToolResult]: uniform result of a dispatched tool call
//   - [Error]: structured error with a machine-readable kind
package api
