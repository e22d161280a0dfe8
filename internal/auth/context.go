// ABOUTME: Identity type and context helpers for tracking the caller through handlers
// ABOUTME: Provides WithIdentity/FromContext; absence of an identity means anonymous

package auth

import (
	"context"
)

// Identity is the resolved caller of a request. The zero value is anonymous.
type Identity struct {
	UserID   int64
	Username string
}

// Anonymous is the identity of an unauthenticated caller.
var Anonymous = Identity{}

// IsAnonymous reports whether no user was resolved.
func (i Identity) IsAnonymous() bool {
	return i.UserID == 0
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the identity from the context, Anonymous if not present.
func FromContext(ctx context.Context) Identity {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok {
		return Anonymous
	}
	return id
}
