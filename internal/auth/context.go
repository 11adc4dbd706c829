// ABOUTME: Request context helpers for the authenticated operator
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity to handlers

package auth

import (
	"context"
)

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
