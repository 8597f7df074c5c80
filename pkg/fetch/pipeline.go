// Package fetch provides the resilient outbound-fetch pipeline: it
// assembles browser-like request identities, routes every request through
// the rate-limited queue, optionally attaches rotating proxies, detects
// soft-blocks, and retries transient failures with exponential backoff.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/parlaytrack/fetchpipe/pkg/cache"
	"github.com/parlaytrack/fetchpipe/pkg/identity"
	"github.com/parlaytrack/fetchpipe/pkg/logging"
	"github.com/parlaytrack/fetchpipe/pkg/proxypool"
	"github.com/parlaytrack/fetchpipe/pkg/queue"
)

// Prometheus metrics for pipeline operations.
var (
	fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_requests_total",
		Help: "Total fetches by outcome",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchpipe_request_duration_seconds",
		Help:    "End-to-end fetch duration including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	fetchAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchpipe_attempts_per_fetch",
		Help:    "Dispatch attempts consumed per fetch",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)

// BrowserRunner is an optional heavyweight fallback (typically a headless
// browser) the pipeline delegates to once plain HTTP attempts are
// exhausted. Absence is a configuration state, not an error.
type BrowserRunner interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Config holds pipeline configuration.
type Config struct {
	// Queue is the shared admission queue. Required. The pipeline drives
	// its lifecycle via Start/Close.
	Queue *queue.Queue

	// Proxies supplies rotating proxy endpoints. Optional; without it the
	// pipeline always fetches directly.
	Proxies *proxypool.Pool

	// Identity generates per-attempt browser identities. Defaults to a
	// fresh provider.
	Identity *identity.Provider

	// Cache stores successful GET responses. Optional.
	Cache *cache.Manager

	// Browser is the optional post-exhaustion fallback.
	Browser BrowserRunner

	// Policy bounds the retry loop.
	Policy RetryPolicy

	// BlockDetector classifies challenge pages. Defaults to
	// DefaultBlockDetector.
	BlockDetector BlockDetector
}

// Options are per-call fetch options.
type Options struct {
	// UseProxy routes attempts after the first through the proxy pool.
	UseProxy bool

	// Priority orders this request in the queue (higher first).
	Priority int

	// Headers are merged over the generated identity headers.
	Headers map[string]string

	// MaxRetries overrides the policy attempt budget when positive.
	MaxRetries int

	// CacheTTL caches a successful GET response for this duration when
	// the pipeline has a cache configured.
	CacheTTL time.Duration
}

// Response is the outcome of a fetch. OK is true for 2xx responses;
// definitive non-2xx responses are returned with OK false rather than as
// errors so callers can branch on status.
type Response struct {
	OK           bool
	Status       int
	Headers      http.Header
	Data         any
	Text         string
	UsedProxy    bool
	ResponseTime time.Duration
	Attempts     int
	FromCache    bool
}

// Status is the pipeline health snapshot returned by Status. It is always
// available, even fully degraded.
type Status struct {
	Ready   bool           `json:"ready"`
	Proxies proxypool.Stats `json:"proxies"`
	Queue   queue.Stats    `json:"queue"`
}

// Pipeline is the fetch facade. Construct with New, call Start before
// fetching, Close on shutdown. Safe for concurrent use.
type Pipeline struct {
	queue    *queue.Queue
	proxies  *proxypool.Pool
	identity *identity.Provider
	cache    *cache.Manager
	browser  BrowserRunner
	policy   RetryPolicy
	detector BlockDetector
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.NewProvider()
	}
	if cfg.BlockDetector == nil {
		cfg.BlockDetector = DefaultBlockDetector
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}

	return &Pipeline{
		queue:    cfg.Queue,
		proxies:  cfg.Proxies,
		identity: cfg.Identity,
		cache:    cfg.Cache,
		browser:  cfg.Browser,
		policy:   cfg.Policy,
		detector: cfg.BlockDetector,
		logger:   logging.NewLogger("pipeline"),
	}, nil
}

// Start launches the queue worker.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.queue.Start()
	p.logger.Info().Msg("Pipeline started")
}

// Close stops the queue worker and fails pending requests.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.queue.Close()
	p.logger.Info().Msg("Pipeline closed")
}

// Status reports pipeline health. It never fails; a depleted pool reports
// zero healthy proxies rather than an error.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	ready := p.started && !p.closed
	p.mu.Unlock()

	s := Status{
		Ready: ready,
		Queue: p.queue.Stats(),
	}
	if p.proxies != nil {
		s.Proxies = p.proxies.Stats()
	}
	return s
}

// Fetch retrieves a URL under the retry budget. It returns a Response for
// 2xx and definitive 4xx outcomes, and an error after exhausting attempts
// on transient failures.
func (p *Pipeline) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	if resp := p.cacheLookup(ctx, url, opts); resp != nil {
		fetchRequests.WithLabelValues("cache_hit").Inc()
		return resp, nil
	}

	maxAttempts := p.policy.MaxAttempts
	if opts.MaxRetries > 0 {
		maxAttempts = opts.MaxRetries
	}

	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, class, err := p.attempt(ctx, url, opts, attempt)

		if err == nil && resp != nil {
			resp.Attempts = attempt
			fetchAttempts.Observe(float64(attempt))
			if resp.OK {
				fetchRequests.WithLabelValues("success").Inc()
				p.cacheStore(ctx, url, opts, resp)
			} else {
				fetchRequests.WithLabelValues("client_error").Inc()
			}
			if attempt > 1 {
				p.logger.Info().
					Str("url", url).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return resp, nil
		}

		// Caller gave up: surface immediately, nothing left to retry.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}

		lastErr = err
		lastClass = class

		if attempt >= maxAttempts {
			break
		}

		fetchRetries.WithLabelValues(string(class)).Inc()
		delay := p.policy.backoff(attempt)
		fetchRetryBackoff.WithLabelValues(string(class)).Observe(delay.Seconds())

		p.logger.Warn().
			Str("url", url).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying fetch after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("fetch cancelled during backoff: %w", ctx.Err())
		}
	}

	fetchRetryExhausted.WithLabelValues(string(lastClass)).Inc()
	fetchRequests.WithLabelValues("exhausted").Inc()
	p.logger.Error().
		Str("url", url).
		Int("max_attempts", maxAttempts).
		Str("error_class", string(lastClass)).
		Err(lastErr).
		Msg("Fetch attempts exhausted")

	if p.browser != nil {
		p.logger.Info().Str("url", url).Msg("Delegating to browser fallback")
		if resp, err := p.browser.Fetch(ctx, url); err == nil {
			fetchRequests.WithLabelValues("browser_fallback").Inc()
			return resp, nil
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}

// attempt performs one dispatch. A nil error means a terminal outcome
// (success or definitive client error); otherwise the returned class
// drives the retry decision.
func (p *Pipeline) attempt(ctx context.Context, url string, opts Options, attempt int) (*Response, ErrorClass, error) {
	id := p.identity.Headers(url)
	headers := id.Headers
	for key, value := range opts.Headers {
		headers.Set(key, value)
	}

	// The first attempt is always direct; proxies come in once the
	// target has seen us fail.
	var proxy *proxypool.Endpoint
	if opts.UseProxy && attempt > 1 && p.proxies != nil {
		proxy = p.proxies.GetProxy(ctx)
	}

	req := &queue.Request{
		URL:      url,
		Headers:  headers,
		Priority: opts.Priority,
	}
	if proxy != nil {
		req.ProxyURL = proxy.URL()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()

	// The result channel is buffered, so abandoning it on timeout never
	// blocks the queue worker; the worker drops context-expired jobs when
	// it pops them. Without this select, a request parked behind the rate
	// gate would outlive both the per-attempt timeout and caller
	// cancellation until the window rolled.
	var res queue.Result
	select {
	case res = <-p.queue.Enqueue(attemptCtx, req):
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ErrorClassNetwork, ctx.Err()
		}
		if proxy != nil {
			p.proxies.ReportFailure(proxy)
		}
		return nil, ErrorClassNetwork, &Error{
			Class:   ErrorClassNetwork,
			Message: "attempt timed out before completion",
			Err:     attemptCtx.Err(),
		}
	}

	if res.Err != nil {
		// Caller-initiated cancellation is not the proxy's fault.
		if ctx.Err() != nil {
			return nil, ErrorClassNetwork, res.Err
		}
		if proxy != nil {
			p.proxies.ReportFailure(proxy)
		}
		return nil, ErrorClassNetwork, &Error{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     res.Err,
		}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if proxy != nil {
			p.proxies.ReportSuccess(proxy, res.Duration)
		}
		return buildResponse(res, proxy != nil), "", nil
	}

	class := classify(res.StatusCode, res.Body, p.detector)
	if !shouldRetry(class) {
		// Definitive client error: hand the response back unretried.
		return buildResponse(res, proxy != nil), "", nil
	}

	if proxy != nil {
		p.proxies.ReportFailure(proxy)
	}
	return nil, class, &Error{
		Status:  res.StatusCode,
		Class:   class,
		Message: http.StatusText(res.StatusCode),
	}
}

func buildResponse(res queue.Result, usedProxy bool) *Response {
	resp := &Response{
		OK:           res.StatusCode >= 200 && res.StatusCode < 300,
		Status:       res.StatusCode,
		Headers:      res.Headers,
		Text:         string(res.Body),
		UsedProxy:    usedProxy,
		ResponseTime: res.Duration,
	}

	// Try JSON, fall back to raw text.
	var data any
	if len(res.Body) > 0 && json.Unmarshal(res.Body, &data) == nil {
		resp.Data = data
	}
	return resp
}

func (p *Pipeline) cacheLookup(ctx context.Context, url string, opts Options) *Response {
	if p.cache == nil || opts.CacheTTL <= 0 {
		return nil
	}

	entry, err := p.cache.Get(ctx, cache.Key{URL: url})
	if err != nil {
		if err != cache.ErrCacheMiss {
			p.logger.Warn().Err(err).Str("url", url).Msg("Cache get error")
		}
		return nil
	}

	resp := buildResponse(queue.Result{
		StatusCode: entry.StatusCode,
		Headers:    entry.Headers,
		Body:       entry.Body,
	}, false)
	resp.FromCache = true
	return resp
}

func (p *Pipeline) cacheStore(ctx context.Context, url string, opts Options, resp *Response) {
	if p.cache == nil || opts.CacheTTL <= 0 || !resp.OK {
		return
	}

	entry := &cache.Entry{
		Body:       []byte(resp.Text),
		StatusCode: resp.Status,
		Headers:    resp.Headers,
	}
	if err := p.cache.Set(ctx, cache.Key{URL: url}, entry, opts.CacheTTL); err != nil {
		p.logger.Warn().Err(err).Str("url", url).Msg("Cache set error")
	}
}

// FetchJSON fetches a URL and decodes its JSON body into T. Non-2xx
// responses and non-JSON bodies are errors.
func FetchJSON[T any](ctx context.Context, p *Pipeline, url string, opts Options) (T, error) {
	var out T

	resp, err := p.Fetch(ctx, url, opts)
	if err != nil {
		return out, err
	}
	if !resp.OK {
		return out, &Error{
			Status:  resp.Status,
			Class:   ErrorClassClient,
			Message: http.StatusText(resp.Status),
		}
	}

	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return out, nil
}
