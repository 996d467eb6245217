// Package stampstore records, per cache key, when a background refresh was
// last started. This is kept apart from the value's write time: a refresh
// attempt that fails leaves the value untouched but still counts toward the
// refresh-delay spacing.
package stampstore

import (
	"context"
	"time"
)

// Store abstracts where refresh stamps live.
// Use Local (default) for a single process, or Redis to space refreshes
// across replicas sharing one provider.
type Store interface {
	// TryClaim stamps key with now and returns true if no stamp younger than
	// gap exists. At most one caller wins a claim within any gap window.
	TryClaim(ctx context.Context, key string, now time.Time, gap time.Duration) (bool, error)
	// Last returns the most recent stamp; ok=false if none is recorded.
	Last(ctx context.Context, key string) (at time.Time, ok bool, err error)
	// Forget drops the stamp for key.
	Forget(ctx context.Context, key string) error
	// Cleanup prunes stamps older than retention (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
