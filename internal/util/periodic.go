package util

import (
	"context"
	"time"
)

// RunEvery calls fn every interval until ctx is done. With immediate set, fn
// also runs once before the first wait. It blocks; callers run it in a goroutine.
func RunEvery(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if immediate && ctx.Err() == nil {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
