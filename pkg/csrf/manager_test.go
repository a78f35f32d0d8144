package csrf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestManager(t *testing.T, serverURL string) *Manager {
	t.Helper()

	cfg := DefaultConfig(serverURL)
	m, err := NewManager(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{
			name: "window assignment",
			body: `<html><script>window.CSRF_TOKEN = "tok-window";</script></html>`,
			want: "tok-window",
			ok:   true,
		},
		{
			name: "object literal",
			body: `{"CSRF_TOKEN": "tok-literal"}`,
			want: "tok-literal",
			ok:   true,
		},
		{
			name: "snake case",
			body: `var csrf_token = 'tok-snake';`,
			want: "tok-snake",
			ok:   true,
		},
		{
			name: "meta tag",
			body: `<meta name="csrf-token" content="tok-meta">`,
			want: "tok-meta",
			ok:   true,
		},
		{
			name: "camel case",
			body: `csrfToken: "tok-camel"`,
			want: "tok-camel",
			ok:   true,
		},
		{
			name: "underscore prefix",
			body: `_csrf = "tok-underscore"`,
			want: "tok-underscore",
			ok:   true,
		},
		{
			name: "script block fallback",
			body: "<html><body><script type=\"text/javascript\">\nwindow.CSRF_TOKEN\n=\n\"tok-script\";</script></body></html>",
			want: "tok-script",
			ok:   true,
		},
		{
			name: "no token",
			body: `<html><body>nothing here</body></html>`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractToken(tt.body)
			if ok != tt.ok {
				t.Fatalf("extractToken() ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("extractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManager_Token_CachesWithinWindow(t *testing.T) {
	var fetches atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		fmt.Fprint(w, `<script>window.CSRF_TOKEN = "cached-token";</script>`)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		token, err := m.Token(ctx)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if token != "cached-token" {
			t.Errorf("Token() = %q, want %q", token, "cached-token")
		}
	}

	if n := fetches.Load(); n != 1 {
		t.Errorf("Fetch count = %d, want 1", n)
	}

	cookies := m.Cookies()
	if len(cookies) != 1 || cookies[0].Name != "session" {
		t.Errorf("Cookies() = %v, want one session cookie", cookies)
	}
}

func TestManager_Token_SingleFetchUnderConcurrency(t *testing.T) {
	var fetches atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond) // Widen the race window
		fmt.Fprint(w, `window.CSRF_TOKEN = "herd-token"`)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Token(context.Background())
			if err != nil {
				t.Errorf("Token() error = %v", err)
				return
			}
			if token != "herd-token" {
				t.Errorf("Token() = %q, want %q", token, "herd-token")
			}
		}()
	}
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("Fetch count under concurrency = %d, want 1", n)
	}
}

func TestManager_Invalidate_ForcesRefetch(t *testing.T) {
	var fetches atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fetches.Add(1)
		fmt.Fprintf(w, `window.CSRF_TOKEN = "token-%d"`, n)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	ctx := context.Background()

	first, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first != "token-1" {
		t.Errorf("First token = %q, want token-1", first)
	}

	m.Invalidate()

	if got := m.Cookies(); len(got) != 0 {
		t.Errorf("Cookies after Invalidate = %v, want empty", got)
	}

	second, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() after invalidate error = %v", err)
	}
	if second != "token-2" {
		t.Errorf("Second token = %q, want token-2", second)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("Fetch count = %d, want 2", n)
	}
}

func TestManager_Token_BlockedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("Token() expected error for 403 page")
	}

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Token() error = %T, want *CredentialError", err)
	}
	if credErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", credErr.StatusCode)
	}
}

func TestManager_Token_NotFoundInPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>plain page</body></html>`)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)

	_, err := m.Token(context.Background())
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Token() error = %v, want *CredentialError", err)
	}
}

func TestManager_Token_RefetchAfterWindow(t *testing.T) {
	var fetches atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fetches.Add(1)
		fmt.Fprintf(w, `window.CSRF_TOKEN = "token-%d"`, n)
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.RefreshInterval = 40 * time.Millisecond
	cfg.PreemptiveMargin = 10 * time.Millisecond

	m, err := NewManager(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx := context.Background()

	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	token, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() after expiry error = %v", err)
	}
	if token != "token-2" {
		t.Errorf("Token after expiry = %q, want token-2", token)
	}
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(Config{}, testLogger()); err == nil {
		t.Error("NewManager() with empty base URL should fail")
	}

	cfg := DefaultConfig("https://example.test")
	cfg.PreemptiveMargin = cfg.RefreshInterval
	if _, err := NewManager(cfg, testLogger()); err == nil {
		t.Error("NewManager() with margin >= interval should fail")
	}
}
