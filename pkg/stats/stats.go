// Package stats records verification submission counts per submitter,
// with an in-memory backend and a persistent Redis backend.
package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for stats storage operations.
var (
	statsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onekey_stats_errors_total",
		Help: "Total stats storage operation errors",
	}, []string{"operation"})

	statsSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onekey_stats_submissions_total",
		Help: "Total verification identifiers recorded across all submitters",
	})
)

// TopN is the number of submitters reported by Aggregate.
const TopN = 10

// UserStats holds per-submitter counters.
type UserStats struct {
	Submitter string
	Total     int
	Last24h   int
}

// UserCount is one entry of a top-submitters ranking.
type UserCount struct {
	Submitter string
	Count     int
}

// AggregateStats holds totals across all submitters.
type AggregateStats struct {
	TotalSubmissions int
	TotalUsers       int
	TopUsers         []UserCount
}

// Storage is the usage-stats sink. Backends are pluggable; the
// orchestration core treats recording as best-effort.
type Storage interface {
	// RecordSubmission adds count accepted identifiers for submitter.
	RecordSubmission(ctx context.Context, submitter string, count int) error

	// UserStats returns one submitter's total and sliding 24h counters.
	UserStats(ctx context.Context, submitter string) (UserStats, error)

	// Aggregate returns totals and the top submitters by all-time count.
	Aggregate(ctx context.Context) (AggregateStats, error)
}
