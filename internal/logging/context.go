package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps parent's values but is never
// cancelled when parent is.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from parent and applies its own deadline.
//
//	ctx, cancel := logging.DetachContextWithTimeout(r.Context(), 10*time.Second)
//	defer cancel()
//	err := ledger.Deduct(ctx, charge)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
