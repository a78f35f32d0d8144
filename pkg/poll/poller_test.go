package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/onekey-batch-client/pkg/client"
)

// scriptedChecker returns canned responses per continuation token and
// records every token it was called with.
type scriptedChecker struct {
	mu        sync.Mutex
	responses map[string]client.VerificationResult
	errs      map[string]error
	calls     []string

	concurrent    int
	maxConcurrent int
}

func (c *scriptedChecker) CheckStatus(ctx context.Context, checkToken string) (client.VerificationResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, checkToken)
	c.concurrent++
	if c.concurrent > c.maxConcurrent {
		c.maxConcurrent = c.concurrent
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.concurrent--
	result, ok := c.responses[checkToken]
	err := c.errs[checkToken]
	c.mu.Unlock()

	if err != nil {
		return client.VerificationResult{}, err
	}
	if !ok {
		return client.VerificationResult{}, errors.New("unknown token")
	}
	return result, nil
}

func testConfig() Config {
	return Config{
		MaxAttempts:    5,
		Interval:       5 * time.Millisecond,
		MaxConcurrency: 10,
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestPoller_TerminalRemovedFromWorkingSet(t *testing.T) {
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-a": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepSuccess},
			"tok-b": {VerificationID: "bbbbbbbbbbbbbbbbbbbbbbbb", Step: client.StepError, Message: "rejected"},
		},
	}

	poller := New(checker, testConfig(), nopLogger())

	var results []client.VerificationResult
	outcome, err := poller.Run(context.Background(), map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-a",
		"bbbbbbbbbbbbbbbbbbbbbbbb": "tok-b",
	}, func(r client.VerificationResult) {
		results = append(results, r)
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Got %d results, want 2", len(results))
	}
	if len(outcome.Residual) != 0 {
		t.Errorf("Residual = %v, want empty", outcome.Residual)
	}
	if len(outcome.Failed) != 0 {
		t.Errorf("Failed = %v, want empty", outcome.Failed)
	}
	// One call each: terminal results end polling.
	if len(checker.calls) != 2 {
		t.Errorf("Checker called %d times, want 2", len(checker.calls))
	}
}

func TestPoller_TokenRotation(t *testing.T) {
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-1": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending, CheckToken: "tok-2"},
			"tok-2": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepSuccess},
		},
	}

	poller := New(checker, testConfig(), nopLogger())

	outcome, err := poller.Run(context.Background(), map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-1",
	}, func(client.VerificationResult) {})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(outcome.Residual) != 0 {
		t.Errorf("Residual = %v, want empty", outcome.Residual)
	}

	// The fresh token must replace the used one: tok-1 then tok-2.
	want := []string{"tok-1", "tok-2"}
	if len(checker.calls) != len(want) {
		t.Fatalf("Checker calls = %v, want %v", checker.calls, want)
	}
	for i := range want {
		if checker.calls[i] != want[i] {
			t.Errorf("Call %d = %q, want %q", i, checker.calls[i], want[i])
		}
	}
}

func TestPoller_FailedCallDropped(t *testing.T) {
	checkErr := errors.New("connection reset")
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-ok": {VerificationID: "bbbbbbbbbbbbbbbbbbbbbbbb", Step: client.StepSuccess},
		},
		errs: map[string]error{
			"tok-bad": checkErr,
		},
	}

	poller := New(checker, testConfig(), nopLogger())

	outcome, err := poller.Run(context.Background(), map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-bad",
		"bbbbbbbbbbbbbbbbbbbbbbbb": "tok-ok",
	}, func(client.VerificationResult) {})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(outcome.Failed) != 1 {
		t.Fatalf("Failed = %v, want one entry", outcome.Failed)
	}
	if !errors.Is(outcome.Failed["aaaaaaaaaaaaaaaaaaaaaaaa"], checkErr) {
		t.Errorf("Failed error = %v, want %v", outcome.Failed["aaaaaaaaaaaaaaaaaaaaaaaa"], checkErr)
	}
	// The failed identifier is not retried in later rounds.
	badCalls := 0
	for _, call := range checker.calls {
		if call == "tok-bad" {
			badCalls++
		}
	}
	if badCalls != 1 {
		t.Errorf("Failed identifier checked %d times, want 1 (calls = %v)", badCalls, checker.calls)
	}
}

func TestPoller_BudgetExhausted(t *testing.T) {
	// Always pending, token never changes shape: tok-N -> tok-N+1 forever.
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-1": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending, CheckToken: "tok-2"},
			"tok-2": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending, CheckToken: "tok-3"},
			"tok-3": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending, CheckToken: "tok-4"},
		},
	}

	cfg := testConfig()
	cfg.MaxAttempts = 3

	poller := New(checker, cfg, nopLogger())

	start := time.Now()
	outcome, err := poller.Run(context.Background(), map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-1",
	}, func(client.VerificationResult) {})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(checker.calls) != 3 {
		t.Errorf("Checker called %d times, want 3 (one per round)", len(checker.calls))
	}
	if token, ok := outcome.Residual["aaaaaaaaaaaaaaaaaaaaaaaa"]; !ok || token != "tok-4" {
		t.Errorf("Residual = %v, want identifier with last token tok-4", outcome.Residual)
	}
	// Generous upper bound: rounds are separated by Interval, each call
	// sleeps 5ms in the fake.
	if elapsed > time.Second {
		t.Errorf("Run() took %v, expected bounded time", elapsed)
	}
}

func TestPoller_PendingWithoutFreshTokenKeepsOldToken(t *testing.T) {
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-1": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending},
		},
	}

	cfg := testConfig()
	cfg.MaxAttempts = 2

	poller := New(checker, cfg, nopLogger())

	_, err := poller.Run(context.Background(), map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-1",
	}, func(client.VerificationResult) {})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"tok-1", "tok-1"}
	if len(checker.calls) != len(want) {
		t.Fatalf("Checker calls = %v, want %v", checker.calls, want)
	}
}

func TestPoller_ContextCancelled(t *testing.T) {
	checker := &scriptedChecker{
		responses: map[string]client.VerificationResult{
			"tok-1": {VerificationID: "aaaaaaaaaaaaaaaaaaaaaaaa", Step: client.StepPending, CheckToken: "tok-1"},
		},
	}

	cfg := testConfig()
	cfg.Interval = 50 * time.Millisecond

	poller := New(checker, cfg, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := poller.Run(ctx, map[string]string{
		"aaaaaaaaaaaaaaaaaaaaaaaa": "tok-1",
	}, func(client.VerificationResult) {})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(outcome.Residual) != 1 {
		t.Errorf("Residual = %v, want the unresolved identifier", outcome.Residual)
	}
}
