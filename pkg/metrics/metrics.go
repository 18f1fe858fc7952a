// Package metrics provides the central Prometheus registry reference for
// batchfetch. All metrics are defined in their respective packages
// (orchestrator, transport, cache) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by batchfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Batch Metrics (pkg/orchestrator):
//   - batchfetch_batches_started_total{mode} (Counter): Batches started, mode "load" or "reload"
//   - batchfetch_batches_settled_total{outcome} (Counter): Settled batches, outcome "ok" or "error"
//   - batchfetch_batch_duration_seconds (Histogram): Batch start-to-settle duration
//   - batchfetch_fetches_total{outcome} (Counter): Endpoint completions (success, failure, suppressed)
//   - batchfetch_stale_completions_total (Counter): Completions discarded by the generation fence
//
// Transport Metrics (pkg/transport):
//   - batchfetch_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - batchfetch_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - batchfetch_inflight_requests (Gauge): Requests currently in flight
//
// Cache Metrics (pkg/cache):
//   - batchfetch_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - batchfetch_cache_misses_total (Counter): Cache misses
//   - batchfetch_cache_size_bytes{layer="redis"} (Gauge): Current cache size in bytes
//   - batchfetch_304_responses_total (Counter): 304 Not Modified responses served from cache
//   - batchfetch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Batch error rate
//   rate(batchfetch_batches_settled_total{outcome="error"}[5m]) /
//   rate(batchfetch_batches_settled_total[5m])
//
//   # Cache hit rate
//   sum(rate(batchfetch_cache_hits_total[5m])) /
//   (sum(rate(batchfetch_cache_hits_total[5m])) + sum(rate(batchfetch_cache_misses_total[5m])))
//
//   # P95 batch latency
//   histogram_quantile(0.95, rate(batchfetch_batch_duration_seconds_bucket[5m]))
//
//   # Zombie completions (should stay near zero)
//   rate(batchfetch_stale_completions_total[5m])
