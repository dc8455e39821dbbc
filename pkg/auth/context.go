package auth

import "context"

// identityKey is a private type for the identity context key.
type identityKey struct{}

// SetIdentity stores the authenticated identity in the context. The
// middleware calls this before handing the request to the transport,
// so handlers and the manager can attribute work to a subject.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity, or nil
// when the request was unauthenticated (bypass endpoint or noop chain).
func IdentityFromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey{}).(*Identity)
	return v
}
