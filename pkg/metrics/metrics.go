// Package metrics provides the centralized Prometheus metrics registry for
// the fetch pipeline. All metrics are defined in their respective packages
// (fetch, queue, proxypool, cache) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Queue Metrics (pkg/queue):
//   - fetchpipe_queue_length (Gauge): Requests currently waiting in the queue
//   - fetchpipe_queue_dispatches_total (Counter): Requests dispatched by the worker
//   - fetchpipe_queue_wait_seconds (Histogram): Time requests spend queued before dispatch
//   - fetchpipe_queue_rate_waits_total{reason} (Counter): Dispatches delayed by the rate gate (window, min_delay)
//
// Proxy Pool Metrics (pkg/proxypool):
//   - fetchpipe_proxy_pool_size (Gauge): Endpoints currently in the pool
//   - fetchpipe_proxy_pool_healthy (Gauge): Endpoints below the failure threshold
//   - fetchpipe_proxy_refreshes_total{outcome} (Counter): Pool refreshes by outcome
//   - fetchpipe_proxy_source_errors_total{source} (Counter): Source fetch errors by source
//   - fetchpipe_proxy_failures_reported_total (Counter): Failures reported against endpoints
//   - fetchpipe_proxy_successes_reported_total (Counter): Successes reported against endpoints
//
// Cache Metrics (pkg/cache):
//   - fetchpipe_cache_hits_total (Counter): Response cache hits
//   - fetchpipe_cache_misses_total (Counter): Response cache misses
//   - fetchpipe_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pipeline Metrics (pkg/fetch):
//   - fetchpipe_requests_total{outcome} (Counter): Fetches by outcome (success, client_error, exhausted, cache_hit, browser_fallback)
//   - fetchpipe_request_duration_seconds (Histogram): End-to-end fetch duration including retries
//   - fetchpipe_attempts_per_fetch (Histogram): Dispatch attempts consumed per fetch
//
// Retry Metrics (pkg/fetch):
//   - fetchpipe_retries_total{error_class} (Counter): Retry attempts by error class
//   - fetchpipe_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - fetchpipe_retry_exhausted_total{error_class} (Counter): Fetches that exhausted max attempts
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(fetchpipe_cache_hits_total[5m])) /
//   (sum(rate(fetchpipe_cache_hits_total[5m])) + sum(rate(fetchpipe_cache_misses_total[5m])))
//
//   # Soft-Block Rate
//   rate(fetchpipe_retries_total{error_class="blocked"}[5m])
//
//   # Exhaustion Rate
//   rate(fetchpipe_requests_total{outcome="exhausted"}[5m]) /
//   rate(fetchpipe_requests_total[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(fetchpipe_request_duration_seconds_bucket[5m]))
//
//   # Proxy Pool Health
//   fetchpipe_proxy_pool_healthy / fetchpipe_proxy_pool_size
