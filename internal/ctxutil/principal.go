package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type principalKey struct{}

// Principal is the authenticated caller: a user or service account acting
// within one tenant.
type Principal struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Scopes   []string
}

func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func GetPrincipal(ctx context.Context) *Principal {
	val := ctx.Value(principalKey{})
	if p, ok := val.(*Principal); ok {
		return p
	}
	return nil
}
