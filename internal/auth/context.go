package auth

import "context"

// Principal identifies an authenticated caller: either a platform user
// (via bearer token) or a trusted service (via API key).
type Principal struct {
	UserID  string
	Service string
	Roles   []string
}

// IsService reports whether the caller authenticated with an API key.
func (p Principal) IsService() bool { return p.Service != "" }

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
