// Package service is the single entry point agent hosts use to reach
// sandboxes. It exposes one facade with two interchangeable backends:
// embedded, where the facade owns a manager in-process, and remote,
// where every operation is forwarded to a sandkasten server over HTTP
// with bearer authentication. Callers choose the mode purely through
// configuration; the operation semantics and the error taxonomy are
// identical in both.
package service
