package shared

import "time"

// Clock provides time operations for the cache and the deduplicator.
// The default implementation uses time.Now().
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Defaults for TTLCache.
const (
	DefaultCacheTTL             = 5 * time.Minute
	DefaultCacheMaxSize         = 1000
	DefaultCacheCleanupInterval = time.Minute
)

// Defaults for RequestDeduplicator.
const (
	DefaultDedupMaxAge          = 10 * time.Second
	DefaultDedupCleanupInterval = time.Minute
)

// CacheStats is a point-in-time view of a TTLCache.
type CacheStats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	// HitRate is Hits/(Hits+Misses), 0 when there have been no lookups.
	HitRate float64
}

// DeduplicatorStats is a point-in-time view of a RequestDeduplicator.
type DeduplicatorStats struct {
	PendingCount   int
	CompletedCount int
}

// ExecuteOptions identify a request for RequestDeduplicator.Execute.
type ExecuteOptions struct {
	Method string
	URL    string
	Data   any
	// BlockAfterComplete rejects identical requests for this long after a
	// success. Zero disables the cool-down.
	BlockAfterComplete time.Duration
}

// PendingCleanupPolicy decides what Cleanup does with in-flight entries.
type PendingCleanupPolicy int

const (
	// ForgetPendingOnCleanup drops every in-flight entry from the index on
	// Cleanup, whatever its age. The operations keep running and their
	// callers still get results, but a new call for the same key starts a
	// second execution. This unblocks keys whose operation never settles.
	ForgetPendingOnCleanup PendingCleanupPolicy = iota
	// KeepPendingOnCleanup leaves in-flight entries alone.
	KeepPendingOnCleanup
)

func (p PendingCleanupPolicy) String() string {
	switch p {
	case ForgetPendingOnCleanup:
		return "forget"
	case KeepPendingOnCleanup:
		return "keep"
	default:
		return "unknown"
	}
}
