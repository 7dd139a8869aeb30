package session

import (
	"context"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

// RunHousekeeping purges expired sessions every interval until ctx is done.
// Failures are logged and retried on the next tick. It returns at once when
// the store expires sessions natively.
func (a *Authority) RunHousekeeping(ctx context.Context, interval time.Duration) {
	if !a.PurgesExpired() {
		slogctx.Info(ctx, "Session store expires sessions natively, nothing to purge")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := a.PurgeExpired(ctx)
		if err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		} else if n > 0 {
			slogctx.Info(ctx, "Purged expired sessions", "count", n)
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}
