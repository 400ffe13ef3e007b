// Package cacher provides a small read-through cache abstraction used for
// user-profile lookups and token-validation results, with in-memory and
// Redis-backed implementations.
package cacher

import (
	"context"
	"time"
)

// FetchFunc is a function that fetches a value from the source when a cache
// miss occurs. It receives a context for cancellation and returns the value
// of type T or an error if the fetch operation fails.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is an interface that defines methods for caching values with
// automatic fetching on cache misses. Implementations must be safe for
// concurrent use and should prevent cache stampede when multiple concurrent
// requests occur for the same missing key.
type Cacher[T any] interface {
	// GetOrFetch retrieves a value from the cache, or fetches it using the
	// provided function if it's not cached. The fetched value is stored with
	// the specified TTL for future requests.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for the cached value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Clear removes all items from the cache.
	Clear(ctx context.Context) error
}
