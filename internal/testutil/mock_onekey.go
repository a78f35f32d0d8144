// Package testutil provides testing utilities for the OneKey batch client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// StreamRecord is one scripted record for the batch response stream.
type StreamRecord struct {
	VerificationID string `json:"verificationId"`
	CurrentStep    string `json:"currentStep"`
	Message        string `json:"message,omitempty"`
	CheckToken     string `json:"checkToken,omitempty"`
}

// StatusResponse is one scripted check-status response.
type StatusResponse struct {
	VerificationID string `json:"verificationId"`
	CurrentStep    string `json:"currentStep"`
	Message        string `json:"message,omitempty"`
	CheckToken     string `json:"checkToken,omitempty"`
}

// MockOneKey is a configurable mock OneKey server for testing. The landing
// page embeds a csrf token and sets a session cookie; the API endpoints
// replay scripted responses.
type MockOneKey struct {
	server *httptest.Server

	mu sync.Mutex

	// Scripted behavior
	CSRFToken       string
	LandingStatus   int
	BatchStatus     int
	BatchRecords    []StreamRecord
	RawBatchLines   []string // overrides BatchRecords when set
	StatusResponses map[string]StatusResponse
	StatusErrors    map[string]int
	CancelResponses map[string]map[string]any

	// Tracking
	LandingCount    int
	BatchCount      int
	StatusCount     int
	CancelCount     int
	LastCSRFHeader  string
	LastBatchBody   map[string]any
	LastStatusToken string
	SeenCookies     []string
}

// NewMockOneKey creates a new mock server with a working landing page.
func NewMockOneKey() *MockOneKey {
	mock := &MockOneKey{
		CSRFToken:       "mock-csrf-token",
		LandingStatus:   http.StatusOK,
		BatchStatus:     http.StatusOK,
		StatusResponses: make(map[string]StatusResponse),
		StatusErrors:    make(map[string]int),
		CancelResponses: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", mock.handleLanding)
	mux.HandleFunc("/api/batch", mock.handleBatch)
	mux.HandleFunc("/api/check-status", mock.handleStatus)
	mux.HandleFunc("/api/cancel", mock.handleCancel)

	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the mock server URL.
func (m *MockOneKey) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOneKey) Close() {
	m.server.Close()
}

func (m *MockOneKey) handleLanding(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.LandingCount++
	status := m.LandingStatus
	token := m.CSRFToken
	m.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "onekey_session", Value: "mock-session"})
	fmt.Fprintf(w, `<html><head></head><body><script>window.CSRF_TOKEN = "%s";</script></body></html>`, token)
}

func (m *MockOneKey) handleBatch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.BatchCount++
	m.LastCSRFHeader = r.Header.Get("X-CSRF-Token")
	m.SeenCookies = nil
	for _, c := range r.Cookies() {
		m.SeenCookies = append(m.SeenCookies, c.Name)
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	m.LastBatchBody = body

	status := m.BatchStatus
	records := m.BatchRecords
	raw := m.RawBatchLines
	m.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)

	if raw != nil {
		for _, line := range raw {
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	for _, record := range records {
		data, _ := json.Marshal(record)
		fmt.Fprintf(w, "data: %s\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (m *MockOneKey) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CheckToken string `json:"checkToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	m.StatusCount++
	m.LastStatusToken = req.CheckToken
	errStatus := m.StatusErrors[req.CheckToken]
	resp, ok := m.StatusResponses[req.CheckToken]
	m.mu.Unlock()

	if errStatus != 0 {
		w.WriteHeader(errStatus)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockOneKey) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerificationID string `json:"verificationId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	m.CancelCount++
	resp, ok := m.CancelResponses[req.VerificationID]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Counts returns the request counters under the lock.
func (m *MockOneKey) Counts() (landing, batch, status, cancel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LandingCount, m.BatchCount, m.StatusCount, m.CancelCount
}
