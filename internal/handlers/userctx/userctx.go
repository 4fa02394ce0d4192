package userctx

import (
	"context"

	"github.com/nkiryanov/authkeeper/internal/models"
)

type ctxKey string

const (
	principalKey ctxKey = "principal"
	sourceKey    ctxKey = "source"
)

// Create a new context with the authenticated principal
func New(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Extract the principal from the context
func FromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}

// WithSource stores the client address the request came from
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// Source returns the client address or empty string if unknown
func Source(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey).(string)
	return s
}
