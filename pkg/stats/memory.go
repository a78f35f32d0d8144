package stats

import (
	"context"
	"sort"
	"sync"
	"time"
)

// window is the sliding interval for the 24h counters.
const window = 24 * time.Hour

type submission struct {
	submitter string
	at        time.Time
	count     int
}

// Memory is an in-memory Storage with no persistence.
type Memory struct {
	mu          sync.Mutex
	totals      map[string]int
	submissions []submission

	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory stats store.
func NewMemory() *Memory {
	return &Memory{
		totals: make(map[string]int),
		now:    time.Now,
	}
}

// RecordSubmission implements Storage.
func (m *Memory) RecordSubmission(ctx context.Context, submitter string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.totals[submitter] += count
	m.submissions = append(m.submissions, submission{submitter: submitter, at: now, count: count})
	statsSubmissionsTotal.Add(float64(count))

	m.pruneLocked(now)
	return nil
}

// UserStats implements Storage.
func (m *Memory) UserStats(ctx context.Context, submitter string) (UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	last24h := 0
	for _, s := range m.submissions {
		if s.submitter == submitter && s.at.After(cutoff) {
			last24h += s.count
		}
	}

	return UserStats{
		Submitter: submitter,
		Total:     m.totals[submitter],
		Last24h:   last24h,
	}, nil
}

// Aggregate implements Storage.
func (m *Memory) Aggregate(ctx context.Context) (AggregateStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := AggregateStats{TotalUsers: len(m.totals)}
	for submitter, count := range m.totals {
		agg.TotalSubmissions += count
		agg.TopUsers = append(agg.TopUsers, UserCount{Submitter: submitter, Count: count})
	}

	sort.Slice(agg.TopUsers, func(i, j int) bool {
		if agg.TopUsers[i].Count != agg.TopUsers[j].Count {
			return agg.TopUsers[i].Count > agg.TopUsers[j].Count
		}
		return agg.TopUsers[i].Submitter < agg.TopUsers[j].Submitter
	})
	if len(agg.TopUsers) > TopN {
		agg.TopUsers = agg.TopUsers[:TopN]
	}

	return agg, nil
}

// pruneLocked drops submissions older than the sliding window. Totals are
// all-time and never pruned.
func (m *Memory) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	kept := m.submissions[:0]
	for _, s := range m.submissions {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.submissions = kept
}
