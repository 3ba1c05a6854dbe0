package policyd

import (
	"context"
	"time"
)

// Sleep for d, but return as soon as ctx is done.
//
// Used for backoff between retries, where shutting down should abort the sleep.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
