package authz

import "context"

type identityKey struct{}

// WithIdentity returns a context carrying the session identity string.
// The session middleware is the only production caller.
func WithIdentity(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, identityKey{}, username)
}

// IdentityFromContext returns the session identity string, if any.
func IdentityFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(identityKey{}).(string)
	if !ok || username == "" {
		return "", false
	}
	return username, true
}
