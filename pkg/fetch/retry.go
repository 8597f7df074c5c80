package fetch

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	fetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fetchRetryBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchpipe_retry_backoff_seconds",
		Help:    "Backoff duration between retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	fetchRetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchpipe_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy bounds the attempt loop of a single Fetch call. It is
// immutable per pipeline instance.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget (including the first).
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Timeout is the hard per-attempt ceiling; exceeding it aborts the
	// in-flight request and counts as a retryable failure.
	Timeout time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Timeout:     15 * time.Second,
	}
}

// backoff returns the sleep before the attempt following the given one:
// min(BaseDelay * 2^(attempt-1) * (1 ± 25% jitter), MaxDelay).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * float64(uint64(1)<<uint(attempt-1))

	// ±25% jitter to avoid thundering herd against a recovering upstream.
	jittered := delay * (0.75 + rand.Float64()*0.5)

	if max := float64(p.MaxDelay); jittered > max {
		jittered = max
	}
	return time.Duration(jittered)
}
