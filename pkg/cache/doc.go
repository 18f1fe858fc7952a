// Package cache provides upstream response caching with a Redis backend.
//
// The cache manager is consulted by the transport before every GET fetch:
//
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - TTL from Cache-Control max-age or Expires headers, with a default fallback
// - Prometheus metrics for observability
// - Deterministic cache key generation
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager
//	manager := cache.NewManager(redisClient)
//
//	// Create cache key
//	key := cache.Key{
//		Endpoint:    "/v1/projects/42/members/",
//		QueryParams: url.Values{"cursor": []string{"abc"}},
//	}
//
//	// Get from cache
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// Cache miss - fetch from upstream
//	}
//
// # HTTP Response Caching
//
//	// Convert an HTTP response and its body to a cache entry
//	entry := cache.ResponseEntry(resp, body)
//
//	// Store in cache
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Conditional Requests
//
//	// Check if we should make a conditional request
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// Make request - upstream returns 304 if not modified
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - batchfetch_cache_hits_total{layer="redis"} - Cache hits
//   - batchfetch_cache_misses_total - Cache misses
//   - batchfetch_cache_size_bytes{layer="redis"} - Cache size
//   - batchfetch_304_responses_total - Conditional request successes
//   - batchfetch_cache_errors_total{operation} - Cache operation errors
package cache
