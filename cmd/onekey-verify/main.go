package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/onekey-batch-client/pkg/client"
	"github.com/Sternrassler/onekey-batch-client/pkg/csrf"
	"github.com/Sternrassler/onekey-batch-client/pkg/logging"
	"github.com/Sternrassler/onekey-batch-client/pkg/orchestrator"
	"github.com/Sternrassler/onekey-batch-client/pkg/poll"
	"github.com/Sternrassler/onekey-batch-client/pkg/singleflight"
	"github.com/Sternrassler/onekey-batch-client/pkg/stats"
	"github.com/Sternrassler/onekey-batch-client/pkg/verifyid"
)

func main() {
	// Configuration from environment
	baseURL := getEnv("ONEKEY_BASE_URL", "https://batch.1key.me")
	apiKey := os.Getenv("ONEKEY_API_KEY")
	redisURL := os.Getenv("REDIS_URL")
	metricsAddr := os.Getenv("METRICS_ADDR")
	submitter := getEnv("ONEKEY_SUBMITTER", getEnv("USER", "anonymous"))

	maxBatchSize, err := strconv.Atoi(getEnv("MAX_BATCH_SIZE", "5"))
	if err != nil || maxBatchSize < 1 {
		fmt.Fprintln(os.Stderr, "MAX_BATCH_SIZE must be a positive integer")
		os.Exit(2)
	}
	pollInterval, err := time.ParseDuration(getEnv("POLL_INTERVAL", "3s"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "POLL_INTERVAL must be a duration like 3s")
		os.Exit(2)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
		Output: os.Stderr,
	})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if apiKey == "" {
		logger.Fatal().Msg("ONEKEY_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	manager, err := csrf.NewManager(csrf.DefaultConfig(baseURL), logging.NewLogger("csrf"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create credential manager")
	}

	cfg := client.DefaultConfig(baseURL, apiKey)
	cfg.MaxBatchSize = maxBatchSize
	oneKey, err := client.New(cfg, manager)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create OneKey client")
	}

	switch os.Args[1] {
	case "verify":
		err = runVerify(ctx, oneKey, redisURL, pollInterval, submitter, os.Args[2:], logger)
	case "status":
		err = runStatus(ctx, oneKey, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, oneKey, os.Args[2:])
	case "stats":
		err = runStats(ctx, redisURL, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatal().Err(err).Str("verb", os.Args[1]).Msg("Command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: onekey-verify <verb> [args]

Verbs:
  verify <url-or-id>...   submit identifiers and follow them to completion
  status <check-token>    check one outstanding verification task
  cancel <url-or-id>      request cancellation of one verification task
  stats [submitter]       show usage statistics (requires REDIS_URL)`)
}

func runVerify(ctx context.Context, oneKey *client.Client, redisURL string, pollInterval time.Duration, submitter string, args []string, logger zerolog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("verify requires at least one url or identifier")
	}

	var ids []string
	seen := make(map[string]bool)
	for _, arg := range args {
		id, err := verifyid.Extract(arg)
		if err != nil {
			logger.Warn().Str("input", arg).Msg("No verification identifier found, skipping")
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no verification identifiers found in input")
	}

	// Oversized input is truncated rather than rejected.
	if max := oneKey.MaxBatchSize(); len(ids) > max {
		logger.Warn().
			Int("given", len(ids)).
			Int("limit", max).
			Msg("Too many identifiers, submitting the first batch only")
		ids = ids[:max]
	}

	statsStore, err := statsStorage(ctx, redisURL)
	if err != nil {
		return err
	}

	pollCfg := poll.DefaultConfig()
	pollCfg.Interval = pollInterval
	poller := poll.New(oneKey, pollCfg, logging.NewLogger("poll"))

	engine, err := orchestrator.New(oneKey, poller, singleflight.NewRegistry(), statsStore, orchestrator.Config{}, logging.NewLogger("orchestrator"))
	if err != nil {
		return err
	}

	for update := range engine.Process(ctx, submitter, ids) {
		marker := " "
		if update.Final {
			marker = "*"
		}
		fmt.Printf("%s %s  %-9s  %s\n", marker, update.VerificationID, update.Step, update.Message)
	}

	return ctx.Err()
}

func runStatus(ctx context.Context, oneKey *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status requires exactly one check token")
	}

	result, err := oneKey.CheckStatus(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s  %-9s  %s\n", result.VerificationID, result.Step, result.Message)
	if result.CheckToken != "" {
		fmt.Printf("next check token: %s\n", result.CheckToken)
	}
	return nil
}

func runCancel(ctx context.Context, oneKey *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cancel requires exactly one url or identifier")
	}

	id, err := verifyid.Extract(args[0])
	if err != nil {
		return err
	}

	result, err := oneKey.Cancel(ctx, id)
	if err != nil {
		return err
	}

	if result.AlreadyCancelled {
		fmt.Printf("%s  already cancelled\n", result.VerificationID)
		return nil
	}
	fmt.Printf("%s  %-9s  %s\n", result.VerificationID, result.Step, result.Message)
	return nil
}

func runStats(ctx context.Context, redisURL string, args []string) error {
	if redisURL == "" {
		return fmt.Errorf("stats requires REDIS_URL (the in-memory store does not outlive a run)")
	}

	store, err := statsStorage(ctx, redisURL)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		user, err := store.UserStats(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d total, %d in the last 24h\n", user.Submitter, user.Total, user.Last24h)
		return nil
	}

	agg, err := store.Aggregate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d submissions by %d submitters\n", agg.TotalSubmissions, agg.TotalUsers)
	for i, top := range agg.TopUsers {
		fmt.Printf("%2d. %-24s %d\n", i+1, top.Submitter, top.Count)
	}
	return nil
}

// statsStorage picks the Redis backend when REDIS_URL is set, the
// in-memory backend otherwise.
func statsStorage(ctx context.Context, redisURL string) (stats.Storage, error) {
	if redisURL == "" {
		return stats.NewMemory(), nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", redisURL, err)
	}
	return stats.NewRedis(redisClient), nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info().Str("addr", addr).Msg("Serving health and metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
