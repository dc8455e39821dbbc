// Package auth provides pluggable authentication for the sandkasten
// server.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware that rejects unauthenticated
// requests before any manager logic runs.
package auth
