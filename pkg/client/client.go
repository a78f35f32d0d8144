// Package client implements the OneKey verification API client: streaming
// batch submission, status polling and cancellation, with retry logic and
// bounded outbound concurrency.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/onekey-batch-client/pkg/logging"
)

// Prometheus metrics for OneKey API operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onekey_requests_total",
		Help: "Total OneKey requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onekey_request_duration_seconds",
		Help:    "OneKey request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	streamRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onekey_stream_records_total",
		Help: "Total decoded batch stream records by step",
	}, []string{"step"})

	streamMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onekey_stream_malformed_total",
		Help: "Total malformed batch stream records skipped",
	})
)

// TokenSource supplies the anti-forgery credential for mutating requests.
// Implemented by csrf.Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Cookies() []*http.Cookie
	Invalidate()
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the OneKey service.
	BaseURL string

	// APIKey is sent as the hCaptchaToken field for captcha-bypass
	// authorization on batch submissions.
	APIKey string

	// MaxBatchSize is the maximum number of identifiers per submission.
	MaxBatchSize int

	// MaxConcurrentSubmits bounds concurrent batch and cancel calls.
	MaxConcurrentSubmits int64

	// MaxConcurrentPolls bounds concurrent status-check calls. Independent
	// of the submit bound so polling cannot starve new submissions.
	MaxConcurrentPolls int64

	// RequestTimeout applies to one outbound call, including reading a
	// whole streamed batch response.
	RequestTimeout time.Duration

	// Retry configures the retry wrapper for status and cancel calls.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:              baseURL,
		APIKey:               apiKey,
		MaxBatchSize:         5,
		MaxConcurrentSubmits: 3,
		MaxConcurrentPolls:   10,
		RequestTimeout:       120 * time.Second,
		Retry:                DefaultRetryConfig(),
	}
}

// Client is the OneKey verification API client.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	config     Config
	logger     zerolog.Logger

	submitSem *semaphore.Weighted
	pollSem   *semaphore.Weighted
}

// New creates a new OneKey client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max batch size must be >= 1 (got %d)", cfg.MaxBatchSize)
	}
	if cfg.MaxConcurrentSubmits < 1 || cfg.MaxConcurrentPolls < 1 {
		return nil, fmt.Errorf("concurrency bounds must be >= 1")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		tokens:    tokens,
		config:    cfg,
		logger:    logging.NewLogger("onekey-client"),
		submitSem: semaphore.NewWeighted(cfg.MaxConcurrentSubmits),
		pollSem:   semaphore.NewWeighted(cfg.MaxConcurrentPolls),
	}, nil
}

// MaxBatchSize returns the configured batch size limit.
func (c *Client) MaxBatchSize() int {
	return c.config.MaxBatchSize
}

// BatchOptions are optional batch submission parameters.
type BatchOptions struct {
	UseLucky  bool
	ProgramID string
}

// BatchVerify submits up to MaxBatchSize identifiers in one streaming call.
// Results are delivered on the returned channel in upstream arrival order,
// one record at a time, as they are decoded; the sequence is forward-only
// and never buffered into a batch. The error channel receives at most one
// error; both channels are closed when the stream ends.
//
// An oversized batch fails with ErrBatchTooLarge before any network call.
// An authentication-rejected response invalidates the credential and
// surfaces as a retryable APIError.
func (c *Client) BatchVerify(ctx context.Context, ids []string, opts BatchOptions) (<-chan VerificationResult, <-chan error) {
	results := make(chan VerificationResult)
	errs := make(chan error, 1)

	if len(ids) > c.config.MaxBatchSize {
		errs <- fmt.Errorf("%w: %d identifiers, limit %d", ErrBatchTooLarge, len(ids), c.config.MaxBatchSize)
		close(results)
		close(errs)
		return results, errs
	}

	go func() {
		defer close(results)
		defer close(errs)

		if err := c.streamBatch(ctx, ids, opts, results); err != nil {
			errs <- err
		}
	}()

	return results, errs
}

// streamBatch performs the submission call and decodes the event stream.
func (c *Client) streamBatch(ctx context.Context, ids []string, opts BatchOptions, results chan<- VerificationResult) error {
	if err := c.submitSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	defer c.submitSem.Release(1)

	// Credential is read before the call; the manager's lock is never
	// held across the request itself.
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(batchRequest{
		VerificationIDs: ids,
		HCaptchaToken:   c.config.APIKey,
		UseLucky:        opts.UseLucky,
		ProgramID:       opts.ProgramID,
	})
	if err != nil {
		return fmt.Errorf("marshal batch request: %w", err)
	}

	endpoint := "/api/batch"
	c.logger.Info().
		Int("count", len(ids)).
		Msg("Starting batch verification")

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", token)
	for _, cookie := range c.tokens.Cookies() {
		req.AddCookie(cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return networkError("batch request failed", err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate()
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    "authentication rejected, anti-forgery token invalidated",
			Retryable:  true,
		}
	}
	if resp.StatusCode >= 400 {
		// Submissions are not retried: resubmitting a batch whose first
		// attempt may have partially registered is worse than surfacing
		// the failure.
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
			Retryable:  false,
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}

		var record wireResult
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			// Malformed records are skipped, not fatal to the stream.
			streamMalformedTotal.Inc()
			c.logger.Warn().
				Err(err).
				Msg("Skipping malformed stream record")
			continue
		}

		result := VerificationResult{
			VerificationID: record.VerificationID,
			Step:           stepFromWire(record.CurrentStep, StepUnknown),
			Message:        record.Message,
			CheckToken:     record.CheckToken,
		}
		streamRecordsTotal.WithLabelValues(string(result.Step)).Inc()

		c.logger.Debug().
			Str("verification_id", result.VerificationID).
			Str("step", string(result.Step)).
			Bool("has_token", result.CheckToken != "").
			Msg("Decoded stream record")

		select {
		case results <- result:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
	}

	if err := scanner.Err(); err != nil {
		return networkError("batch stream interrupted", err)
	}

	return nil
}

// CheckStatus fetches the current status of one verification task using
// its continuation token. The returned result carries the fresh token for
// the next check; tokens are single-use.
func (c *Client) CheckStatus(ctx context.Context, checkToken string) (VerificationResult, error) {
	if err := c.pollSem.Acquire(ctx, 1); err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	defer c.pollSem.Release(1)

	var record wireResult
	err := retryWithBackoff(ctx, c.logger, "check-status", c.config.Retry, func() error {
		return c.postJSON(ctx, "/api/check-status", statusRequest{CheckToken: checkToken}, false, &record)
	})
	if err != nil {
		return VerificationResult{}, err
	}

	return VerificationResult{
		VerificationID: record.VerificationID,
		Step:           stepFromWire(record.CurrentStep, StepUnknown),
		Message:        record.Message,
		CheckToken:     record.CheckToken,
	}, nil
}

// Cancel requests cancellation of one verification task.
func (c *Client) Cancel(ctx context.Context, verificationID string) (CancelResult, error) {
	if err := c.submitSem.Acquire(ctx, 1); err != nil {
		return CancelResult{}, fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	defer c.submitSem.Release(1)

	var record wireResult
	err := retryWithBackoff(ctx, c.logger, "cancel", c.config.Retry, func() error {
		return c.postJSON(ctx, "/api/cancel", cancelRequest{VerificationID: verificationID}, true, &record)
	})
	if err != nil {
		return CancelResult{}, err
	}

	// Cancel responses map absent steps to error, not unknown.
	return CancelResult{
		VerificationID:   record.VerificationID,
		Step:             stepFromWire(record.CurrentStep, StepError),
		Message:          record.Message,
		AlreadyCancelled: record.AlreadyCancelled,
	}, nil
}

// postJSON issues one JSON POST and decodes the response. When withCSRF is
// set the anti-forgery token and session cookies are attached, and a 403
// response invalidates the credential so the next attempt refetches it.
func (c *Client) postJSON(ctx context.Context, endpoint string, body any, withCSRF bool, out *wireResult) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if withCSRF {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("X-CSRF-Token", token)
		for _, cookie := range c.tokens.Cookies() {
			req.AddCookie(cookie)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return networkError(endpoint+" request failed", err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if withCSRF && resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate()
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    "authentication rejected, anti-forgery token invalidated",
			Retryable:  true,
		}
	}
	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return networkError("decode "+endpoint+" response", err)
	}

	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
