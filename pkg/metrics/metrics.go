// Package metrics provides centralized Prometheus metrics registry for the
// OneKey batch client. All metrics are defined in their respective packages
// (client, csrf, stats) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the OneKey batch
// client. All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Credential Metrics (pkg/csrf):
//   - onekey_csrf_refreshes_total (Counter): Anti-forgery token fetches
//   - onekey_csrf_refresh_failures_total (Counter): Failed token fetches
//   - onekey_csrf_fetch_duration_seconds (Histogram): Landing page fetch duration
//
// Request Metrics (pkg/client):
//   - onekey_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - onekey_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - onekey_stream_records_total{step} (Counter): Decoded batch stream records by step
//   - onekey_stream_malformed_total (Counter): Malformed stream records skipped
//
// Retry Metrics (pkg/client):
//   - onekey_retries_total{operation} (Counter): Retry attempts by operation
//   - onekey_retry_backoff_seconds{operation} (Histogram): Backoff duration by operation
//   - onekey_retry_exhausted_total{operation} (Counter): Operations that exhausted max retries
//
// Stats Metrics (pkg/stats):
//   - onekey_stats_submissions_total (Counter): Verification identifiers recorded across all submitters
//   - onekey_stats_errors_total{operation} (Counter): Stats storage operation errors
//
// Example Prometheus Queries:
//
//   # Stream decode failure rate
//   rate(onekey_stream_malformed_total[5m]) /
//   (rate(onekey_stream_records_total[5m]) + rate(onekey_stream_malformed_total[5m]))
//
//   # Credential refresh failure rate
//   rate(onekey_csrf_refresh_failures_total[5m]) / rate(onekey_csrf_refreshes_total[5m])
//
//   # Request Error Rate
//   sum(rate(onekey_requests_total{status=~"4..|5..|network_error"}[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(onekey_request_duration_seconds_bucket[5m]))
