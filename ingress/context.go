package ingress

import (
	"context"

	"github.com/mailforge/dispatch/identity"
)

type identityCtxKey struct{}

func withIdentity(ctx context.Context, ident identity.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, ident)
}

func identityFrom(ctx context.Context) (identity.Identity, bool) {
	ident, ok := ctx.Value(identityCtxKey{}).(identity.Identity)
	return ident, ok
}
