// ABOUTME: Request-scoped identity for HTTP handlers and the realtime gateway
// ABOUTME: WithIdentity/FromContext propagate the verified caller via context

package auth

import (
	"context"
)

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller's Identity, or nil for anonymous requests.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext returns the Identity, panicking if the request was not
// authenticated. Only use behind RequireAuth.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
