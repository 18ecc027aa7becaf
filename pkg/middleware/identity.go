// pkg/middleware/identity.go
package middleware

import (
	"context"
)

// Identity is the resolved, trusted request context attached by the
// gate on AUTHORIZED requests. Downstream handlers treat it read-only.
type Identity struct {
	Subject     string
	TenantID    string
	RoleID      string
	Permissions []string
}

type identityCtxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFrom returns the attached identity. ok is false on requests
// that did not pass the gate's AUTHORIZED state (public routes).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	if v := ctx.Value(identityCtxKey{}); v != nil {
		if id, ok := v.(Identity); ok {
			return id, true
		}
	}
	return Identity{}, false
}
