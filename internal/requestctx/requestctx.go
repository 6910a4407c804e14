// Package requestctx carries per-request identity through context.
package requestctx

import (
	"context"
	"strings"
)

type userContextKey struct{}

type runContextKey struct{}

// WithUserID records the authenticated ledger user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, strings.TrimSpace(userID))
}

// UserID returns the authenticated user, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(userContextKey{}).(string)
	return v
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runContextKey{}, runID)
}

func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(runContextKey{}).(string)
	return v
}
