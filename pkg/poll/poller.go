// Package poll drives repeated status checks for verification tasks left
// non-terminal after submission, fanning out one check per identifier each
// round under a bounded concurrency limit.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/onekey-batch-client/pkg/client"
)

// StatusChecker is the interface the OneKey client implements for
// single-task status checks.
type StatusChecker interface {
	// CheckStatus returns the task's updated result and a fresh
	// continuation token. Tokens are single-use.
	CheckStatus(ctx context.Context, checkToken string) (client.VerificationResult, error)
}

// Config holds poller configuration.
type Config struct {
	// MaxAttempts is the maximum number of poll rounds.
	MaxAttempts int

	// Interval is the delay between rounds.
	Interval time.Duration

	// MaxConcurrency bounds concurrent status checks within one round.
	MaxConcurrency int
}

// DefaultConfig returns safe default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    20,
		Interval:       3 * time.Second,
		MaxConcurrency: 10,
	}
}

// Outcome reports the identifiers that never reached a terminal state.
type Outcome struct {
	// Residual maps identifiers still pending when the attempt budget ran
	// out to their last continuation token. They are reported, never
	// silently dropped.
	Residual map[string]string

	// Failed maps identifiers dropped after a failed status check to the
	// error that dropped them. A failed call is "no new information": the
	// identifier is not retried within the round, bounding total latency.
	Failed map[string]error
}

// Poller polls outstanding verification tasks until they reach a terminal
// state or the attempt budget is exhausted.
type Poller struct {
	checker StatusChecker
	config  Config
	logger  zerolog.Logger
}

// New creates a new poller.
func New(checker StatusChecker, cfg Config, logger zerolog.Logger) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}

	return &Poller{
		checker: checker,
		config:  cfg,
		logger:  logger,
	}
}

// Run polls every identifier in tokens (identifier -> continuation token)
// until terminal or out of budget. Checks within one round are issued
// concurrently with no ordering guarantee between completions, but all of
// a round's results are merged and delivered through onResult before the
// next round begins. Wall-clock time is bounded by
// MaxAttempts x Interval plus in-flight call time.
func (p *Poller) Run(ctx context.Context, tokens map[string]string, onResult func(client.VerificationResult)) (Outcome, error) {
	working := make(map[string]string, len(tokens))
	for id, token := range tokens {
		working[id] = token
	}

	outcome := Outcome{Failed: make(map[string]error)}

	for attempt := 1; attempt <= p.config.MaxAttempts && len(working) > 0; attempt++ {
		select {
		case <-ctx.Done():
			outcome.Residual = working
			return outcome, ctx.Err()
		case <-time.After(p.config.Interval):
		}

		var mu sync.Mutex
		next := make(map[string]string, len(working))
		merged := make([]client.VerificationResult, 0, len(working))

		g := new(errgroup.Group)
		g.SetLimit(p.config.MaxConcurrency)

		for id, token := range working {
			g.Go(func() error {
				result, err := p.checker.CheckStatus(ctx, token)

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					p.logger.Warn().
						Err(err).
						Str("verification_id", id).
						Int("attempt", attempt).
						Msg("Status check failed, dropping identifier")
					outcome.Failed[id] = err
					return nil
				}

				merged = append(merged, result)

				if result.Step.Terminal() {
					return nil
				}
				if result.CheckToken != "" {
					next[id] = result.CheckToken
				} else {
					// Pending but no fresh token: keep the last one.
					next[id] = token
				}
				return nil
			})
		}

		// Workers only report errors through the outcome, so Wait cannot
		// fail; it is used as a barrier between rounds.
		_ = g.Wait()

		for _, result := range merged {
			onResult(result)
		}

		p.logger.Debug().
			Int("attempt", attempt).
			Int("resolved", len(working)-len(next)).
			Int("outstanding", len(next)).
			Msg("Poll round complete")

		working = next
	}

	outcome.Residual = working

	if len(outcome.Residual) > 0 {
		p.logger.Error().
			Int("residual", len(outcome.Residual)).
			Int("max_attempts", p.config.MaxAttempts).
			Msg("Poll budget exhausted with unresolved identifiers")
	}

	return outcome, nil
}
