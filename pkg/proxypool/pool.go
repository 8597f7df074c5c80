// Package proxypool maintains a rotating set of third-party proxy endpoints
// with per-endpoint health tracking. Candidates are aggregated from multiple
// free proxy-list sources; endpoints are evicted from selection after
// repeated consecutive failures and heal again on success.
package proxypool

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/parlaytrack/fetchpipe/pkg/logging"
)

// Prometheus metrics for proxy pool operations.
var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchpipe_proxy_pool_size",
		Help: "Total number of proxy endpoints in the pool",
	})

	poolHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchpipe_proxy_pool_healthy",
		Help: "Number of proxy endpoints currently eligible for selection",
	})

	poolRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_proxy_refreshes_total",
		Help: "Total pool refreshes by result",
	}, []string{"result"})

	sourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_proxy_source_errors_total",
		Help: "Total proxy-list source fetch failures by source",
	}, []string{"source"})

	failuresReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchpipe_proxy_failures_reported_total",
		Help: "Total proxy failure reports",
	})

	successesReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchpipe_proxy_successes_reported_total",
		Help: "Total proxy success reports",
	})
)

// Endpoint is one candidate proxy. All fields are owned by the pool and
// mutated only under the pool lock.
type Endpoint struct {
	Host     string
	Port     int
	Protocol string

	// ConsecutiveFailures is incremented on every failure report and
	// decremented (floor 0) on every success report.
	ConsecutiveFailures int

	// LastUsedAt is when the endpoint was last handed out.
	LastUsedAt time.Time

	// LastResponseTime is the last measured latency through this endpoint.
	// Zero means never measured.
	LastResponseTime time.Duration
}

// Address returns the host:port key identifying this endpoint.
func (e *Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL returns the endpoint as a proxy URL usable with http.ProxyURL.
func (e *Endpoint) URL() *url.URL {
	scheme := e.Protocol
	switch scheme {
	case "", "https":
		scheme = "http"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   e.Address(),
	}
}

// Config holds pool configuration.
type Config struct {
	// Sources are the external proxy-list sources queried on refresh.
	// At least one is required; refreshes degrade gracefully when
	// individual sources fail.
	Sources []Source

	// MaxFailures is the consecutive-failure threshold at which an
	// endpoint is excluded from selection until it heals.
	MaxFailures int

	// RefreshInterval is the pool age after which GetProxy triggers a
	// refresh before selecting.
	RefreshInterval time.Duration

	// SourceTimeout bounds each individual source fetch.
	SourceTimeout time.Duration
}

// DefaultConfig returns a pool configuration with the default source set.
func DefaultConfig() Config {
	return Config{
		Sources:         DefaultSources(DefaultSourceConfig()),
		MaxFailures:     3,
		RefreshInterval: 30 * time.Minute,
		SourceTimeout:   10 * time.Second,
	}
}

// Stats is a read-only snapshot of pool health.
type Stats struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
	Failed  int `json:"failed"`
}

// Pool is the proxy endpoint pool. All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	endpoints     map[string]*Endpoint
	lastRefreshed time.Time

	// refreshMu serializes refreshes so concurrent GetProxy calls on an
	// empty pool don't hammer the sources.
	refreshMu sync.Mutex
}

// New creates a proxy pool. The pool starts empty; the first GetProxy call
// (or an explicit Refresh) populates it.
func New(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}

	return &Pool{
		cfg:       cfg,
		logger:    logging.NewLogger("proxypool"),
		endpoints: make(map[string]*Endpoint),
	}
}

// Refresh queries every configured source concurrently and replaces the
// pool with the merged, deduplicated result. Individual source failures are
// logged and skipped. The previous pool is retained unchanged if every
// source fails, in which case an error is returned.
func (p *Pool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	type sourceResult struct {
		name      string
		endpoints []Endpoint
		err       error
	}

	results := make(chan sourceResult, len(p.cfg.Sources))

	var wg sync.WaitGroup
	for _, src := range p.cfg.Sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()

			srcCtx, cancel := context.WithTimeout(ctx, p.cfg.SourceTimeout)
			defer cancel()

			endpoints, err := src.Fetch(srcCtx)
			results <- sourceResult{name: src.Name(), endpoints: endpoints, err: err}
		}(src)
	}

	wg.Wait()
	close(results)

	merged := make(map[string]*Endpoint)
	succeeded := 0

	for res := range results {
		if res.err != nil {
			sourceErrors.WithLabelValues(res.name).Inc()
			p.logger.Warn().
				Err(res.err).
				Str("source", res.name).
				Msg("Proxy source fetch failed")
			continue
		}

		succeeded++
		unique := 0
		for _, e := range res.endpoints {
			e := e
			if _, seen := merged[e.Address()]; !seen {
				merged[e.Address()] = &e
				unique++
			}
		}
		p.logger.Info().
			Str("source", res.name).
			Int("total", len(res.endpoints)).
			Int("unique", unique).
			Msg("Proxy source fetched")
	}

	if succeeded == 0 {
		poolRefreshes.WithLabelValues("failure").Inc()
		p.logger.Error().Msg("All proxy sources failed, keeping previous pool")
		return fmt.Errorf("all %d proxy sources failed", len(p.cfg.Sources))
	}

	p.mu.Lock()
	p.endpoints = merged
	p.lastRefreshed = time.Now()
	p.updateGaugesLocked()
	p.mu.Unlock()

	poolRefreshes.WithLabelValues("success").Inc()
	p.logger.Info().
		Int("sources_ok", succeeded).
		Int("pool_size", len(merged)).
		Msg("Proxy pool refreshed")

	return nil
}

// GetProxy returns a currently healthy endpoint, or nil if none is
// available even after a forced refresh. Selection is least-recently-used
// first, tie-broken by lowest last-known response time; endpoints with no
// measured latency sort ahead of measured ones.
func (p *Pool) GetProxy(ctx context.Context) *Endpoint {
	if p.needsRefresh() {
		// Refresh errors degrade availability, never propagate.
		_ = p.Refresh(ctx)
	}

	if e := p.selectHealthy(); e != nil {
		return e
	}

	// Nothing healthy: force an immediate refresh and retry once.
	_ = p.Refresh(ctx)
	return p.selectHealthy()
}

func (p *Pool) needsRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints) == 0 || time.Since(p.lastRefreshed) > p.cfg.RefreshInterval
}

func (p *Pool) selectHealthy() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.ConsecutiveFailures < p.cfg.MaxFailures {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		// Unmeasured endpoints get one chance before being ranked.
		if (a.LastResponseTime == 0) != (b.LastResponseTime == 0) {
			return a.LastResponseTime == 0
		}
		if a.LastResponseTime != b.LastResponseTime {
			return a.LastResponseTime < b.LastResponseTime
		}
		return a.Address() < b.Address()
	})

	chosen := candidates[0]
	chosen.LastUsedAt = time.Now()

	p.logger.Debug().
		Str("proxy", chosen.Address()).
		Int("failures", chosen.ConsecutiveFailures).
		Msg("Selected proxy")

	return chosen
}

// ReportSuccess records a successful request through the endpoint,
// decrementing its failure count (floor 0) and recording latency.
func (p *Pool) ReportSuccess(e *Endpoint, responseTime time.Duration) {
	if e == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.endpoints[e.Address()]
	if !ok {
		// Endpoint rotated out by a refresh; nothing to heal.
		return
	}

	if current.ConsecutiveFailures > 0 {
		current.ConsecutiveFailures--
	}
	current.LastResponseTime = responseTime
	p.updateGaugesLocked()

	successesReported.Inc()
}

// ReportFailure increments the endpoint's consecutive failure count.
func (p *Pool) ReportFailure(e *Endpoint) {
	if e == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.endpoints[e.Address()]
	if !ok {
		return
	}

	current.ConsecutiveFailures++
	p.updateGaugesLocked()

	failuresReported.Inc()

	if current.ConsecutiveFailures == p.cfg.MaxFailures {
		p.logger.Warn().
			Str("proxy", current.Address()).
			Int("failures", current.ConsecutiveFailures).
			Msg("Proxy excluded from selection")
	}
}

// Stats returns a snapshot of pool health. It never fails; an empty pool
// reports zeros.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Total: len(p.endpoints)}
	for _, e := range p.endpoints {
		if e.ConsecutiveFailures < p.cfg.MaxFailures {
			stats.Healthy++
		} else {
			stats.Failed++
		}
	}
	return stats
}

func (p *Pool) updateGaugesLocked() {
	healthy := 0
	for _, e := range p.endpoints {
		if e.ConsecutiveFailures < p.cfg.MaxFailures {
			healthy++
		}
	}
	poolSize.Set(float64(len(p.endpoints)))
	poolHealthy.Set(float64(healthy))
}
