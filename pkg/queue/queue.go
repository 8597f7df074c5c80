// Package queue serializes all outbound HTTP work through one rate-limited
// dispatch worker. Callers enqueue requests with a priority and await the
// result on a channel; regardless of caller concurrency, at most one HTTP
// request is in flight at a time and dispatches respect both a rolling
// requests-per-window cap and a minimum inter-request delay.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/parlaytrack/fetchpipe/pkg/logging"
)

// Prometheus metrics for queue operations.
var (
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchpipe_queue_length",
		Help: "Number of requests currently waiting in the queue",
	})

	queueDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchpipe_queue_dispatches_total",
		Help: "Total requests dispatched by the queue worker",
	})

	queueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchpipe_queue_wait_seconds",
		Help:    "Time requests spend queued before dispatch",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	})

	queueRateWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_queue_rate_waits_total",
		Help: "Dispatches delayed by the rate gate, by reason",
	}, []string{"reason"})
)

// ErrQueueClosed is returned for requests enqueued after Close.
var ErrQueueClosed = errors.New("request queue closed")

// Config holds queue configuration.
type Config struct {
	// RequestsPerMinute caps dispatches per rolling window.
	RequestsPerMinute int

	// MinDelay is the minimum spacing between consecutive dispatches.
	MinDelay time.Duration

	// Window is the rolling rate window length. Defaults to one minute;
	// only tests should shorten it.
	Window time.Duration

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// DefaultConfig returns a conservative queue configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 10,
		MinDelay:          2 * time.Second,
		Window:            time.Minute,
		MaxBodyBytes:      10 << 20,
	}
}

// Request describes one outbound HTTP request.
type Request struct {
	URL     string
	Method  string // defaults to GET
	Headers http.Header
	Body    []byte

	// ProxyURL routes the request through a proxy when non-nil.
	ProxyURL *url.URL

	// Priority orders dispatch: higher first, FIFO within equal priority.
	Priority int
}

// Result is the outcome of a dispatched request. Either Err is set or the
// HTTP fields are.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Err        error
}

type job struct {
	id          string
	req         *Request
	ctx         context.Context
	seq         uint64
	submittedAt time.Time
	result      chan Result
}

// Stats is a read-only snapshot of queue state.
type Stats struct {
	QueueLength        int `json:"queue_length"`
	RequestsThisMinute int `json:"requests_this_minute"`
}

// Queue is the global admission queue. Construct with New, then Start the
// worker; Close drains nothing and fails pending requests.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	pending      []*job
	seq          uint64
	windowStart  time.Time
	windowCount  int
	lastDispatch time.Time
	closed       bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	direct *http.Client
}

// New creates a queue. Start must be called before requests dispatch.
func New(cfg Config) *Queue {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	return &Queue{
		cfg:    cfg,
		logger: logging.NewLogger("queue"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		direct: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Start launches the dispatch worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Close stops the worker and fails all pending requests with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	queueLength.Set(0)
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	for _, j := range pending {
		j.result <- Result{Err: ErrQueueClosed}
	}
}

// Enqueue admits a request and returns a channel delivering exactly one
// Result. The channel is buffered; callers may abandon it. The request's
// context bounds both queue wait and the dispatched HTTP request.
func (q *Queue) Enqueue(ctx context.Context, req *Request) <-chan Result {
	result := make(chan Result, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result <- Result{Err: ErrQueueClosed}
		return result
	}

	q.seq++
	j := &job{
		id:          uuid.NewString(),
		req:         req,
		ctx:         ctx,
		seq:         q.seq,
		submittedAt: time.Now(),
		result:      result,
	}
	q.pending = append(q.pending, j)
	queueLength.Set(float64(len(q.pending)))
	q.mu.Unlock()

	q.logger.Debug().
		Str("request_id", j.id).
		Str("url", req.URL).
		Int("priority", req.Priority).
		Msg("Request enqueued")

	// Non-blocking nudge; the worker re-checks the pending set anyway.
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return result
}

// Stats returns current queue depth and dispatches in the active window.
// It never fails.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.windowCount
	if time.Since(q.windowStart) >= q.cfg.Window {
		count = 0
	}
	return Stats{
		QueueLength:        len(q.pending),
		RequestsThisMinute: count,
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		if q.pendingLen() == 0 {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		// The gate is waited out before picking a job so that a
		// higher-priority request arriving during the wait still wins.
		if !q.waitTurn() {
			return
		}

		j := q.next()
		if j == nil {
			continue
		}

		// Drop requests whose caller already gave up.
		if err := j.ctx.Err(); err != nil {
			j.result <- Result{Err: err}
			continue
		}

		q.dispatch(j)
	}
}

func (q *Queue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// next pops the highest-priority pending job, FIFO within equal priority.
func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	sort.SliceStable(q.pending, func(i, k int) bool {
		if q.pending[i].req.Priority != q.pending[k].req.Priority {
			return q.pending[i].req.Priority > q.pending[k].req.Priority
		}
		return q.pending[i].seq < q.pending[k].seq
	})

	j := q.pending[0]
	q.pending = q.pending[1:]
	queueLength.Set(float64(len(q.pending)))
	return j
}

// waitTurn blocks until the rate gate admits the next dispatch. Returns
// false only on queue shutdown.
func (q *Queue) waitTurn() bool {
	for {
		q.mu.Lock()
		now := time.Now()

		// Roll the window. A dispatch admitted at exactly
		// windowStart+Window belongs to the new window.
		if q.windowStart.IsZero() || now.Sub(q.windowStart) >= q.cfg.Window {
			q.windowStart = now
			q.windowCount = 0
		}

		var wait time.Duration
		var reason string

		if q.windowCount >= q.cfg.RequestsPerMinute {
			wait = q.windowStart.Add(q.cfg.Window).Sub(now)
			reason = "window"
		} else if !q.lastDispatch.IsZero() {
			if since := now.Sub(q.lastDispatch); since < q.cfg.MinDelay {
				wait = q.cfg.MinDelay - since
				reason = "min_delay"
			}
		}
		q.mu.Unlock()

		if wait <= 0 {
			return true
		}

		queueRateWaits.WithLabelValues(reason).Inc()
		q.logger.Debug().
			Dur("wait", wait).
			Str("reason", reason).
			Msg("Rate gate delaying dispatch")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.done:
			timer.Stop()
			return false
		}
	}
}

func (q *Queue) dispatch(j *job) {
	queueWaitSeconds.Observe(time.Since(j.submittedAt).Seconds())

	start := time.Now()

	q.mu.Lock()
	q.lastDispatch = start
	q.windowCount++
	q.mu.Unlock()

	queueDispatches.Inc()

	res := q.execute(j)

	q.logger.Debug().
		Str("request_id", j.id).
		Str("url", j.req.URL).
		Int("status", res.StatusCode).
		Dur("duration", res.Duration).
		Err(res.Err).
		Msg("Request dispatched")

	j.result <- res
}

func (q *Queue) execute(j *job) Result {
	method := j.req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(j.req.Body) > 0 {
		body = bytes.NewReader(j.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(j.ctx, method, j.req.URL, body)
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err)}
	}
	for key, values := range j.req.Headers {
		httpReq.Header[key] = values
	}

	client := q.direct
	if j.req.ProxyURL != nil {
		// Per-proxy transports are throwaway: free proxies are unreliable
		// enough that pooled connections are a liability.
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(j.req.ProxyURL),
				DisableKeepAlives: true,
			},
		}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Duration: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, q.cfg.MaxBodyBytes))
	duration := time.Since(start)
	if err != nil {
		return Result{Duration: duration, Err: fmt.Errorf("read body: %w", err)}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		Duration:   duration,
	}
}
