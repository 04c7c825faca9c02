// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package auth

import (
	"context"

	"github.com/ManuGH/sorad/internal/store"
)

// Principal is the authenticated identity a request carries.
type Principal struct {
	Username string
	Role     string
}

type principalKey struct{}

// WithPrincipal attaches the verified account to the request context.
func WithPrincipal(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, principalKey{}, &Principal{
		Username: user.Username,
		Role:     user.Role,
	})
}

// PrincipalFrom returns the request's identity, or false when the request is
// unauthenticated.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
