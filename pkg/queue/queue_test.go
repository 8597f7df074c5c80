package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// orderServer records the order and time of incoming request paths.
type orderServer struct {
	mu       sync.Mutex
	paths    []string
	arrivals []time.Time
	server   *httptest.Server
}

func newOrderServer() *orderServer {
	s := &orderServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.arrivals = append(s.arrivals, time.Now())
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	return s
}

func (s *orderServer) snapshot() ([]string, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]time.Time(nil), s.arrivals...)
}

func fastConfig() Config {
	return Config{
		RequestsPerMinute: 1000,
		MinDelay:          0,
		Window:            time.Minute,
		MaxBodyBytes:      1 << 20,
	}
}

func TestPriorityOrdering(t *testing.T) {
	server := newOrderServer()
	defer server.server.Close()

	q := New(fastConfig())
	ctx := context.Background()

	// Enqueue before starting the worker so all three are pending when
	// dispatch begins.
	r1 := q.Enqueue(ctx, &Request{URL: server.server.URL + "/p1", Priority: 1})
	r5 := q.Enqueue(ctx, &Request{URL: server.server.URL + "/p5", Priority: 5})
	r3 := q.Enqueue(ctx, &Request{URL: server.server.URL + "/p3", Priority: 3})

	q.Start()
	defer q.Close()

	for _, ch := range []<-chan Result{r1, r5, r3} {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("dispatch error: %v", res.Err)
		}
	}

	paths, _ := server.snapshot()
	want := []string{"/p5", "/p3", "/p1"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("dispatch order = %v, want %v", paths, want)
		}
	}
}

func TestPriorityTiesPreserveSubmissionOrder(t *testing.T) {
	server := newOrderServer()
	defer server.server.Close()

	q := New(fastConfig())
	ctx := context.Background()

	var chans []<-chan Result
	for _, path := range []string{"/a", "/b", "/c"} {
		chans = append(chans, q.Enqueue(ctx, &Request{URL: server.server.URL + path, Priority: 7}))
	}

	q.Start()
	defer q.Close()

	for _, ch := range chans {
		if res := <-ch; res.Err != nil {
			t.Fatalf("dispatch error: %v", res.Err)
		}
	}

	paths, _ := server.snapshot()
	want := []string{"/a", "/b", "/c"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("dispatch order = %v, want %v", paths, want)
		}
	}
}

func TestMinSpacing(t *testing.T) {
	server := newOrderServer()
	defer server.server.Close()

	cfg := fastConfig()
	cfg.MinDelay = 60 * time.Millisecond

	q := New(cfg)
	ctx := context.Background()

	var chans []<-chan Result
	for i := 0; i < 3; i++ {
		chans = append(chans, q.Enqueue(ctx, &Request{URL: server.server.URL + "/"}))
	}

	q.Start()
	defer q.Close()

	for _, ch := range chans {
		if res := <-ch; res.Err != nil {
			t.Fatalf("dispatch error: %v", res.Err)
		}
	}

	_, arrivals := server.snapshot()
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1])
		// Small tolerance for local delivery jitter.
		if gap < 50*time.Millisecond {
			t.Errorf("gap between dispatch %d and %d = %v, want >= 60ms", i-1, i, gap)
		}
	}
}

func TestRateWindowBound(t *testing.T) {
	server := newOrderServer()
	defer server.server.Close()

	cfg := Config{
		RequestsPerMinute: 2,
		MinDelay:          0,
		Window:            300 * time.Millisecond,
		MaxBodyBytes:      1 << 20,
	}

	q := New(cfg)
	ctx := context.Background()

	var chans []<-chan Result
	for i := 0; i < 3; i++ {
		chans = append(chans, q.Enqueue(ctx, &Request{URL: server.server.URL + "/"}))
	}

	q.Start()
	defer q.Close()

	for _, ch := range chans {
		if res := <-ch; res.Err != nil {
			t.Fatalf("dispatch error: %v", res.Err)
		}
	}

	_, arrivals := server.snapshot()
	if len(arrivals) != 3 {
		t.Fatalf("got %d dispatches, want 3", len(arrivals))
	}

	// The third dispatch must wait for the window to roll over.
	if gap := arrivals[2].Sub(arrivals[0]); gap < 280*time.Millisecond {
		t.Errorf("third dispatch %v after first, want >= window (300ms)", gap)
	}
	// The first two fit in one window.
	if gap := arrivals[1].Sub(arrivals[0]); gap > 200*time.Millisecond {
		t.Errorf("second dispatch %v after first, should not have been window-gated", gap)
	}
}

func TestRateWindow_RollsAtExactBoundary(t *testing.T) {
	q := New(Config{
		RequestsPerMinute: 1,
		Window:            50 * time.Millisecond,
		MaxBodyBytes:      1 << 20,
	})

	// Saturate the window, then stamp its start a full window in the
	// past. The gate must roll the window and admit immediately instead
	// of counting the dispatch against the stale window.
	q.mu.Lock()
	q.windowStart = time.Now().Add(-50 * time.Millisecond)
	q.windowCount = 1
	q.mu.Unlock()

	done := make(chan bool, 1)
	go func() { done <- q.waitTurn() }()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waitTurn() = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("waitTurn blocked at the window boundary")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.windowCount != 0 {
		t.Errorf("windowCount = %d, want 0 (fresh window) after boundary roll", q.windowCount)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(fastConfig())
	q.Start()
	q.Close()

	res := <-q.Enqueue(context.Background(), &Request{URL: "http://example.invalid/"})
	if !errors.Is(res.Err, ErrQueueClosed) {
		t.Errorf("Err = %v, want ErrQueueClosed", res.Err)
	}
}

func TestCloseFailsPending(t *testing.T) {
	q := New(fastConfig())
	// Worker never started: the request stays queued.
	ch := q.Enqueue(context.Background(), &Request{URL: "http://example.invalid/"})

	q.Close()

	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrQueueClosed) {
			t.Errorf("Err = %v, want ErrQueueClosed", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on Close")
	}
}

func TestCancelledWhileQueued(t *testing.T) {
	q := New(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := q.Enqueue(ctx, &Request{URL: "http://example.invalid/"})

	q.Start()
	defer q.Close()

	select {
	case res := <-ch:
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never resolved")
	}
}

func TestDispatchThroughProxy(t *testing.T) {
	proxied := false
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy receives the absolute target URI.
		if r.URL.IsAbs() || r.Host == "target.example.com" {
			proxied = true
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatal(err)
	}

	q := New(fastConfig())
	q.Start()
	defer q.Close()

	res := <-q.Enqueue(context.Background(), &Request{
		URL:      "http://target.example.com/data",
		ProxyURL: proxyURL,
	})

	if res.Err != nil {
		t.Fatalf("dispatch error: %v", res.Err)
	}
	if !proxied {
		t.Error("request did not go through the proxy")
	}
	if string(res.Body) != "via proxy" {
		t.Errorf("Body = %q, want %q", res.Body, "via proxy")
	}
}

func TestStats(t *testing.T) {
	server := newOrderServer()
	defer server.server.Close()

	q := New(fastConfig())

	if s := q.Stats(); s.QueueLength != 0 || s.RequestsThisMinute != 0 {
		t.Errorf("empty Stats = %+v, want zeros", s)
	}

	ch := q.Enqueue(context.Background(), &Request{URL: server.server.URL + "/"})
	if s := q.Stats(); s.QueueLength != 1 {
		t.Errorf("QueueLength = %d, want 1", s.QueueLength)
	}

	q.Start()
	defer q.Close()

	if res := <-ch; res.Err != nil {
		t.Fatalf("dispatch error: %v", res.Err)
	}

	if s := q.Stats(); s.RequestsThisMinute != 1 {
		t.Errorf("RequestsThisMinute = %d, want 1", s.RequestsThisMinute)
	}
}

func TestRequestHeadersApplied(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q := New(fastConfig())
	q.Start()
	defer q.Close()

	headers := http.Header{}
	headers.Set("User-Agent", "test-agent/1.0")
	headers.Set("X-Custom", "value")

	res := <-q.Enqueue(context.Background(), &Request{URL: server.URL + "/", Headers: headers})
	if res.Err != nil {
		t.Fatalf("dispatch error: %v", res.Err)
	}

	if got.Get("User-Agent") != "test-agent/1.0" {
		t.Errorf("User-Agent = %q, want test-agent/1.0", got.Get("User-Agent"))
	}
	if got.Get("X-Custom") != "value" {
		t.Errorf("X-Custom = %q, want value", got.Get("X-Custom"))
	}
}
