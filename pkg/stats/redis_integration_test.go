//go:build integration

package stats

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedis_Integration_RecordAndUserStats(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedis(redisClient)
	ctx := context.Background()

	if err := store.RecordSubmission(ctx, "alice", 3); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if err := store.RecordSubmission(ctx, "alice", 2); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if err := store.RecordSubmission(ctx, "bob", 1); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	stats, err := store.UserStats(ctx, "alice")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}

	if stats.Total != 5 {
		t.Errorf("Total = %d, want 5", stats.Total)
	}
	if stats.Last24h != 5 {
		t.Errorf("Last24h = %d, want 5", stats.Last24h)
	}
}

func TestRedis_Integration_UnknownSubmitter(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedis(redisClient)
	ctx := context.Background()

	stats, err := store.UserStats(ctx, "nobody")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}

	if stats.Total != 0 || stats.Last24h != 0 {
		t.Errorf("UserStats() for unknown submitter = %+v, want zeros", stats)
	}
}

func TestRedis_Integration_WindowExpiry(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedis(redisClient)
	ctx := context.Background()

	// Record one submission in the past, outside the sliding window.
	current := time.Now()
	store.now = func() time.Time { return current.Add(-25 * time.Hour) }

	if err := store.RecordSubmission(ctx, "alice", 4); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	store.now = func() time.Time { return current }

	if err := store.RecordSubmission(ctx, "alice", 1); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	stats, err := store.UserStats(ctx, "alice")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}

	if stats.Total != 5 {
		t.Errorf("Total = %d, want 5 (all-time counter keeps expired submissions)", stats.Total)
	}
	if stats.Last24h != 1 {
		t.Errorf("Last24h = %d, want 1", stats.Last24h)
	}
}

func TestRedis_Integration_SubmitterWithColons(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedis(redisClient)
	ctx := context.Background()

	if err := store.RecordSubmission(ctx, "team:eu:alice", 7); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	stats, err := store.UserStats(ctx, "team:eu:alice")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}

	if stats.Last24h != 7 {
		t.Errorf("Last24h = %d, want 7", stats.Last24h)
	}
}

func TestRedis_Integration_Aggregate(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedis(redisClient)
	ctx := context.Background()

	if err := store.RecordSubmission(ctx, "alice", 10); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if err := store.RecordSubmission(ctx, "bob", 4); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if err := store.RecordSubmission(ctx, "carol", 6); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	agg, err := store.Aggregate(ctx)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if agg.TotalSubmissions != 20 {
		t.Errorf("TotalSubmissions = %d, want 20", agg.TotalSubmissions)
	}
	if agg.TotalUsers != 3 {
		t.Errorf("TotalUsers = %d, want 3", agg.TotalUsers)
	}
	if len(agg.TopUsers) != 3 {
		t.Fatalf("TopUsers length = %d, want 3", len(agg.TopUsers))
	}
	if agg.TopUsers[0].Submitter != "alice" || agg.TopUsers[0].Count != 10 {
		t.Errorf("TopUsers[0] = %+v, want alice/10", agg.TopUsers[0])
	}
	if agg.TopUsers[1].Submitter != "carol" {
		t.Errorf("TopUsers[1] = %+v, want carol", agg.TopUsers[1])
	}
}
