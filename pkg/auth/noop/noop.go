// Package noop implements the open-access authenticator used when the
// gateway runs with auth.type=none. Every request is admitted and tagged
// with a fixed development identity so downstream concerns that key off
// the identity (rate-limit tiers, request logging) keep working without
// credentials.
package noop

import (
	"context"
	"net/http"

	"github.com/sandkasten-dev/sandkasten/pkg/auth"
)

// Authenticator votes Yes on every request.
type Authenticator struct {
	identity auth.Identity
}

// New returns an open-access authenticator. The subject names the caller
// in logs; an empty subject defaults to "dev".
func New(subject string) *Authenticator {
	if subject == "" {
		subject = "dev"
	}
	return &Authenticator{identity: auth.Identity{
		Subject:     subject,
		ServiceTier: "default",
	}}
}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.AuthResult {
	id := a.identity
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}
