// Package util holds small helpers shared across packages.
package util

import (
	"context"
	"time"
)

// CtxWithTimeout runs fn with a context bounded by dur. It exists for
// one-shot cleanup calls (disconnect, close cursor) where the surrounding
// context may already be canceled.
func CtxWithTimeout(ctx context.Context, dur time.Duration, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, dur)
	defer cancelTimeout()

	return fn(timeoutCtx)
}
