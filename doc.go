// Package shared provides process-local building blocks for services that
// call slow or unreliable backends:
//
//   - TTLCache: a generic in-memory cache with per-entry TTL, a size bound
//     that evicts the oldest-created entry, pattern invalidation, hit/miss
//     statistics and a read-through Wrap helper
//   - RequestDeduplicator: collapses concurrent identical operations onto a
//     single execution and can refuse resubmission of a request that just
//     succeeded (double-submit protection)
//   - Retry with exponential or decorrelated jitter backoff and retry budgets
//   - Error normalization, a field validator and a namespaced zerolog logger
//   - Prometheus metrics for all of the above
//
// Typical usage:
//
//	cache := shared.NewTTLCache[*User](shared.WithDefaultTTL(time.Minute))
//	defer cache.Destroy()
//
//	dedup := shared.NewRequestDeduplicator()
//	user, err := cache.Wrap(ctx, "user:"+id, func(ctx context.Context) (*User, error) {
//	    return shared.Deduplicate(ctx, dedup, "user:"+id, loadUser)
//	})
//
// State is held in memory only and is not shared between processes.
// Components run background goroutines for expiry; call Destroy or
// StopAutoCleanup when done with them.
package shared
