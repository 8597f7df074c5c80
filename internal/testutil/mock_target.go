// Package testutil provides testing utilities for the fetch pipeline.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock target endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockTarget is a configurable mock of an anti-bot-defended target site.
type MockTarget struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	UserAgents        []string
}

// NewMockTarget creates a new mock target server.
func NewMockTarget() *MockTarget {
	mock := &MockTarget{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.UserAgents = append(mock.UserAgents, r.Header.Get("User-Agent"))
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockTarget) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTarget) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockTarget) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.UserAgents = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockTarget) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockTarget) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetChallengePage configures a path to answer with a Cloudflare-style
// challenge page.
func (m *MockTarget) SetChallengePage(path string) {
	m.SetResponse(path, MockResponse{
		StatusCode: http.StatusForbidden,
		Headers:    map[string]string{"Content-Type": "text/html"},
		Body:       `<html><head><title>Just a moment...</title></head><body id="cf-browser-verification"></body></html>`,
	})
}

// SetFlaky configures a path to fail with the given status for failures
// requests, then succeed with body.
func (m *MockTarget) SetFlaky(path string, failures int, status int, body string) {
	var mu sync.Mutex
	var count int

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()

		if n <= failures {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(body))
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockTarget) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetUserAgents returns the User-Agent of every request seen, in order.
func (m *MockTarget) GetUserAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.UserAgents))
	copy(out, m.UserAgents)
	return out
}

func (m *MockTarget) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status": "ok"}`))
}
