// Package orchestrator composes the verification engine: single-flight
// dedupe, streaming batch submission, poll-until-terminal and guaranteed
// registry release, surfacing incremental progress to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/onekey-batch-client/pkg/client"
	"github.com/Sternrassler/onekey-batch-client/pkg/poll"
	"github.com/Sternrassler/onekey-batch-client/pkg/singleflight"
)

// BatchSubmitter is the submission surface of the OneKey client.
type BatchSubmitter interface {
	BatchVerify(ctx context.Context, ids []string, opts client.BatchOptions) (<-chan client.VerificationResult, <-chan error)
}

// StatusPoller drives outstanding tasks to a terminal state.
type StatusPoller interface {
	Run(ctx context.Context, tokens map[string]string, onResult func(client.VerificationResult)) (poll.Outcome, error)
}

// StatsRecorder records accepted submissions per submitter. Recording is
// best-effort: failures are logged, never fatal.
type StatsRecorder interface {
	RecordSubmission(ctx context.Context, submitter string, count int) error
}

// Update is one progress notification for a verification task.
type Update struct {
	VerificationID string
	Step           client.Step
	Message        string

	// Duplicate marks an identifier rejected because it is already being
	// processed by another run.
	Duplicate bool

	// Final marks the last update this run will emit for the identifier.
	Final bool
}

// Config holds orchestrator configuration.
type Config struct {
	// MinNotifyInterval suppresses repeated non-terminal updates for the
	// same identifier inside the interval. Zero disables throttling.
	// Terminal updates are always delivered.
	MinNotifyInterval time.Duration

	// Batch options passed through to every submission.
	Batch client.BatchOptions
}

// Orchestrator runs whole verification batches end to end.
type Orchestrator struct {
	submitter BatchSubmitter
	poller    StatusPoller
	registry  *singleflight.Registry
	stats     StatsRecorder
	config    Config
	logger    zerolog.Logger
}

// New creates a new orchestrator. stats may be nil.
func New(submitter BatchSubmitter, poller StatusPoller, registry *singleflight.Registry, stats StatsRecorder, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if submitter == nil {
		return nil, fmt.Errorf("batch submitter is required")
	}
	if poller == nil {
		return nil, fmt.Errorf("status poller is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("single-flight registry is required")
	}

	return &Orchestrator{
		submitter: submitter,
		poller:    poller,
		registry:  registry,
		stats:     stats,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Process runs one verification batch for the given canonical identifiers
// and returns a lazy stream of progress updates. The channel is closed
// when every identifier has received a final update. Identifiers already
// in flight are reported as duplicates and excluded; every acquired
// identifier is released when the run ends, whatever the exit path.
func (o *Orchestrator) Process(ctx context.Context, submitter string, ids []string) <-chan Update {
	updates := make(chan Update)

	go func() {
		defer close(updates)
		o.run(ctx, submitter, ids, updates)
	}()

	return updates
}

// run drives one processing attempt. It owns the acquired identifiers for
// its whole duration.
func (o *Orchestrator) run(ctx context.Context, submitter string, ids []string, updates chan<- Update) {
	state := newRunState(o.config.MinNotifyInterval, updates)

	var acquired []string
	for _, id := range ids {
		if o.registry.TryAcquire(id) {
			acquired = append(acquired, id)
			continue
		}
		o.logger.Info().
			Str("verification_id", id).
			Msg("Identifier already in flight, reporting duplicate")
		state.send(ctx, Update{
			VerificationID: id,
			Step:           client.StepUnknown,
			Message:        "already being processed",
			Duplicate:      true,
			Final:          true,
		})
	}

	// Release on every exit path: success, upstream error, cancellation.
	defer func() {
		for _, id := range acquired {
			o.registry.Release(id)
		}
	}()

	if len(acquired) == 0 {
		return
	}

	if o.stats != nil {
		if err := o.stats.RecordSubmission(ctx, submitter, len(acquired)); err != nil {
			o.logger.Warn().Err(err).Str("submitter", submitter).Msg("Failed to record submission stats")
		}
	}

	o.logger.Info().
		Int("count", len(acquired)).
		Str("submitter", submitter).
		Msg("Processing verification batch")

	results, errs := o.submitter.BatchVerify(ctx, acquired, o.config.Batch)

	tokens := make(map[string]string)
	for result := range results {
		state.merge(ctx, result)
		if !result.Step.Terminal() && result.CheckToken != "" {
			tokens[result.VerificationID] = result.CheckToken
		} else {
			delete(tokens, result.VerificationID)
		}
	}

	if err := <-errs; err != nil {
		o.logger.Error().Err(err).Msg("Batch submission failed")
		for _, id := range acquired {
			state.finishUnresolved(ctx, id, client.StepError, fmt.Sprintf("submission failed: %v", err))
		}
		return
	}

	if len(tokens) > 0 {
		outcome, err := o.poller.Run(ctx, tokens, func(result client.VerificationResult) {
			state.merge(ctx, result)
		})

		for id, pollErr := range outcome.Failed {
			state.finishUnresolved(ctx, id, client.StepUnknown, fmt.Sprintf("status check failed: %v", pollErr))
		}
		for id := range outcome.Residual {
			state.finishUnresolved(ctx, id, client.StepUnknown, "timed out waiting for terminal status")
		}
		if err != nil {
			o.logger.Warn().Err(err).Msg("Polling interrupted")
		}
	}

	// Anything the stream never mentioned is reported, not silently
	// dropped.
	for _, id := range acquired {
		state.finishUnresolved(ctx, id, client.StepUnknown, "no result received from upstream")
	}
}

// runState tracks merged task statuses and delivers throttled updates.
type runState struct {
	updates      chan<- Update
	minInterval  time.Duration
	steps        map[string]client.Step
	finals       map[string]bool
	lastNotified map[string]time.Time
}

func newRunState(minInterval time.Duration, updates chan<- Update) *runState {
	return &runState{
		updates:      updates,
		minInterval:  minInterval,
		steps:        make(map[string]client.Step),
		finals:       make(map[string]bool),
		lastNotified: make(map[string]time.Time),
	}
}

// merge folds one upstream result into the run and notifies the caller.
// A task never moves out of a terminal state: late non-terminal records
// for an already-terminal identifier are ignored.
func (s *runState) merge(ctx context.Context, result client.VerificationResult) {
	id := result.VerificationID
	if id == "" {
		return
	}
	if current, ok := s.steps[id]; ok && current.Terminal() && !result.Step.Terminal() {
		return
	}

	s.steps[id] = result.Step
	s.notify(ctx, Update{
		VerificationID: id,
		Step:           result.Step,
		Message:        result.Message,
		Final:          result.Step.Terminal(),
	})
}

// finishUnresolved emits a final update for an identifier that has not
// reached a terminal state yet. Identifiers already finalized are left
// alone.
func (s *runState) finishUnresolved(ctx context.Context, id string, step client.Step, message string) {
	if s.finals[id] {
		return
	}
	if current, ok := s.steps[id]; ok && current.Terminal() {
		return
	}

	s.steps[id] = step
	s.notify(ctx, Update{
		VerificationID: id,
		Step:           step,
		Message:        message,
		Final:          true,
	})
}

// notify delivers one update, suppressing non-final repeats inside the
// re-notification interval.
func (s *runState) notify(ctx context.Context, update Update) {
	if !update.Final && s.minInterval > 0 {
		if last, ok := s.lastNotified[update.VerificationID]; ok && time.Since(last) < s.minInterval {
			return
		}
	}

	s.send(ctx, update)
	s.lastNotified[update.VerificationID] = time.Now()
	if update.Final {
		s.finals[update.VerificationID] = true
	}
}

// send delivers an update unless the context is cancelled.
func (s *runState) send(ctx context.Context, update Update) {
	select {
	case s.updates <- update:
	case <-ctx.Done():
	}
}
