// Package csrf manages the anti-forgery token required by the OneKey
// upstream service. The token is scraped from the landing page, cached
// together with the session cookies, and refreshed before it goes stale.
package csrf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credential management.
var (
	csrfRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onekey_csrf_refreshes_total",
		Help: "Total number of anti-forgery token fetches",
	})

	csrfRefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onekey_csrf_refresh_failures_total",
		Help: "Total number of failed anti-forgery token fetches",
	})

	csrfFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "onekey_csrf_fetch_duration_seconds",
		Help:    "Duration of anti-forgery token fetches",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)

// CredentialError indicates that the anti-forgery token could not be
// obtained from the landing page.
type CredentialError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential fetch failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("credential fetch failed: %s", e.Message)
}

// tokenPatterns are tried in order against the full page body. The first
// two are additionally tried against each inline script block.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)window\.CSRF_TOKEN\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)CSRF_TOKEN["']?\s*[:=]\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)csrf[_-]?token["']?\s*[:=]\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta\s+name=["']csrf-token["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)csrfToken["']?\s*[:=]\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)_csrf["']?\s*[:=]\s*["']([^"']+)["']`),
}

// scriptBlock extracts inline script contents for the fallback search.
var scriptBlock = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)

// Config holds credential manager configuration.
type Config struct {
	// BaseURL is the upstream service base URL whose landing page embeds
	// the anti-forgery token.
	BaseURL string

	// RefreshInterval is how long a fetched token is considered valid.
	RefreshInterval time.Duration

	// PreemptiveMargin is subtracted from RefreshInterval when deciding
	// whether a cached token is still fresh, so refreshes happen before
	// the token actually expires.
	PreemptiveMargin time.Duration

	// HTTPClient is the client used for the landing page fetch.
	// Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		RefreshInterval:  5 * time.Minute,
		PreemptiveMargin: 30 * time.Second,
	}
}

// Manager owns the process-wide anti-forgery credential.
type Manager struct {
	config Config
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	token     string
	cookies   []*http.Cookie
	fetchedAt time.Time

	refreshLoop sync.Once
}

// NewManager creates a new credential manager.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.PreemptiveMargin < 0 || cfg.PreemptiveMargin >= cfg.RefreshInterval {
		return nil, fmt.Errorf("preemptive margin must be in [0, refresh interval)")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Manager{
		config: cfg,
		client: client,
		logger: logger,
	}, nil
}

// Token returns a valid anti-forgery token, fetching a fresh one if the
// cached token is missing or approaching staleness. Concurrent callers
// trigger at most one fetch per refresh window.
func (m *Manager) Token(ctx context.Context) (string, error) {
	// Fast path: cached token still fresh, no I/O.
	m.mu.RLock()
	if m.fresh() {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-checked: another caller may have refreshed while we waited.
	if m.fresh() {
		return m.token, nil
	}

	return m.refreshLocked(ctx)
}

// Cookies returns a copy of the session cookies captured with the token.
func (m *Manager) Cookies() []*http.Cookie {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cookies := make([]*http.Cookie, len(m.cookies))
	copy(cookies, m.cookies)
	return cookies
}

// Invalidate clears the cached token, cookies and fetch timestamp so the
// next Token call performs a fresh fetch. Callers invoke this after the
// upstream rejects a request for authentication reasons.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = ""
	m.cookies = nil
	m.fetchedAt = time.Time{}

	m.logger.Info().Msg("Anti-forgery token invalidated")
}

// StartPreemptiveRefresh launches a background goroutine that refreshes
// the token shortly before it goes stale, so Token rarely has to block on
// a synchronous fetch. Calling it more than once is a no-op. The goroutine
// stops when ctx is cancelled.
func (m *Manager) StartPreemptiveRefresh(ctx context.Context) {
	m.refreshLoop.Do(func() {
		period := m.config.PreemptiveMargin / 2
		if period <= 0 {
			period = m.config.RefreshInterval / 4
		}

		go func() {
			ticker := time.NewTicker(period)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					m.logger.Debug().Msg("Preemptive refresh loop stopped")
					return
				case <-ticker.C:
				}

				m.mu.Lock()
				if m.fresh() {
					m.mu.Unlock()
					continue
				}
				if _, err := m.refreshLocked(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Preemptive token refresh failed")
				}
				m.mu.Unlock()
			}
		}()
	})
}

// fresh reports whether the cached token is still inside the refresh
// window. Callers must hold at least a read lock.
func (m *Manager) fresh() bool {
	if m.token == "" || m.fetchedAt.IsZero() {
		return false
	}
	return time.Since(m.fetchedAt) < m.config.RefreshInterval-m.config.PreemptiveMargin
}

// refreshLocked fetches a fresh token and updates the cached state.
// Callers must hold the write lock.
func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	m.logger.Info().Msg("Refreshing anti-forgery token")

	start := time.Now()
	token, cookies, err := m.fetch(ctx)
	csrfFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		csrfRefreshFailuresTotal.Inc()
		m.logger.Error().Err(err).Msg("Anti-forgery token fetch failed")
		return "", err
	}

	csrfRefreshesTotal.Inc()
	m.token = token
	m.cookies = cookies
	m.fetchedAt = time.Now()

	m.logger.Info().
		Int("cookies", len(cookies)).
		Msg("Anti-forgery token refreshed")

	return token, nil
}

// fetch retrieves the landing page and extracts the token and cookies.
func (m *Manager) fetch(ctx context.Context) (string, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.BaseURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", nil, &CredentialError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", nil, &CredentialError{
			StatusCode: resp.StatusCode,
			Message:    "access denied, anti-bot challenge may be blocking",
		}
	}
	if resp.StatusCode >= 400 {
		return "", nil, &CredentialError{
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &CredentialError{Message: fmt.Sprintf("read body: %v", err)}
	}

	token, ok := extractToken(string(body))
	if !ok {
		m.logger.Warn().
			Int("page_length", len(body)).
			Msg("Anti-forgery token not found in page")
		return "", nil, &CredentialError{Message: "token not found in page"}
	}

	return token, resp.Cookies(), nil
}

// extractToken tries the ordered pattern list against the full body, then
// the first two patterns against each inline script block.
func extractToken(body string) (string, bool) {
	for _, pattern := range tokenPatterns {
		if m := pattern.FindStringSubmatch(body); m != nil {
			return m[1], true
		}
	}

	for _, script := range scriptBlock.FindAllStringSubmatch(body, -1) {
		for _, pattern := range tokenPatterns[:2] {
			if m := pattern.FindStringSubmatch(script[1]); m != nil {
				return m[1], true
			}
		}
	}

	return "", false
}
