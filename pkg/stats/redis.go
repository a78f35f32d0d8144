package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for stats storage.
const (
	redisKeyTotals = "onekey:stats:total"
	redisKey24h    = "onekey:stats:24h"
)

// Redis is a Storage backed by Redis: a hash for all-time totals and a
// sorted set (scored by submission timestamp) for the sliding 24h window.
type Redis struct {
	client *redis.Client

	// now is swappable for tests.
	now func() time.Time
}

// NewRedis creates a Redis-backed stats store.
func NewRedis(client *redis.Client) *Redis {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{
		client: client,
		now:    time.Now,
	}
}

// RecordSubmission implements Storage.
func (r *Redis) RecordSubmission(ctx context.Context, submitter string, count int) error {
	now := r.now()
	member := fmt.Sprintf("%s:%d:%d", submitter, now.UnixNano(), count)
	cutoff := now.Add(-window)

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, redisKeyTotals, submitter, int64(count))
	pipe.ZAdd(ctx, redisKey24h, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, redisKey24h, "0", strconv.FormatInt(cutoff.UnixNano(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		statsErrorsTotal.WithLabelValues("record").Inc()
		return fmt.Errorf("record submission: %w", err)
	}

	statsSubmissionsTotal.Add(float64(count))
	return nil
}

// UserStats implements Storage.
func (r *Redis) UserStats(ctx context.Context, submitter string) (UserStats, error) {
	total, err := r.client.HGet(ctx, redisKeyTotals, submitter).Int()
	if err != nil && err != redis.Nil {
		statsErrorsTotal.WithLabelValues("user_stats").Inc()
		return UserStats{}, fmt.Errorf("get total: %w", err)
	}

	window24h, err := r.windowCounts(ctx)
	if err != nil {
		statsErrorsTotal.WithLabelValues("user_stats").Inc()
		return UserStats{}, err
	}

	return UserStats{
		Submitter: submitter,
		Total:     total,
		Last24h:   window24h[submitter],
	}, nil
}

// Aggregate implements Storage.
func (r *Redis) Aggregate(ctx context.Context) (AggregateStats, error) {
	totals, err := r.client.HGetAll(ctx, redisKeyTotals).Result()
	if err != nil {
		statsErrorsTotal.WithLabelValues("aggregate").Inc()
		return AggregateStats{}, fmt.Errorf("get totals: %w", err)
	}

	agg := AggregateStats{TotalUsers: len(totals)}
	for submitter, raw := range totals {
		count, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
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

// windowCounts reads the 24h sorted set and aggregates counts per
// submitter. Members are "<submitter>:<unixnano>:<count>"; submitters may
// themselves contain colons, so members are parsed from the right.
func (r *Redis) windowCounts(ctx context.Context) (map[string]int, error) {
	now := r.now()
	cutoff := now.Add(-window)

	members, err := r.client.ZRangeByScore(ctx, redisKey24h, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixNano(), 10),
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read 24h window: %w", err)
	}

	counts := make(map[string]int, len(members))
	for _, member := range members {
		parts := strings.Split(member, ":")
		if len(parts) < 3 {
			continue
		}
		count, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		submitter := strings.Join(parts[:len(parts)-2], ":")
		counts[submitter] += count
	}

	return counts, nil
}
