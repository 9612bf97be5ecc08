package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/ssrikantan/contoso-payments-api/internal/jobs"
)

// DefaultExpiry is how long a key stays indexed when no TTL is configured.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys evicts keys older than expiry from index. After eviction a
// retry with the same key creates a new payment.
func CleanupOldKeys(ctx context.Context, index Index, expiry time.Duration, metrics *jobs.Metrics) (int64, error) {
	deleted, err := metrics.Track(ctx, jobs.JobTypeIdempotencyCleanup, func(ctx context.Context) (int64, error) {
		return index.DeleteOlderThan(ctx, expiry)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		return deleted, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys immediately and then every interval
// until ctx is cancelled. It blocks; run it in a goroutine.
func RunPeriodicCleanup(ctx context.Context, index Index, interval, expiry time.Duration, metrics *jobs.Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := CleanupOldKeys(ctx, index, expiry, metrics); err != nil {
		slog.ErrorContext(ctx, "initial idempotency cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldKeys(ctx, index, expiry, metrics); err != nil {
				slog.ErrorContext(ctx, "periodic idempotency cleanup failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("stopping periodic idempotency cleanup")
			return
		}
	}
}
