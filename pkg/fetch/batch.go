package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchConfig holds batch fetcher configuration.
type BatchConfig struct {
	// MaxConcurrency is the number of parallel Fetch calls. The queue
	// still serializes dispatch; concurrency lets retries and backoffs
	// overlap instead of stacking up.
	MaxConcurrency int

	// Timeout per URL, spanning all of its attempts.
	Timeout time.Duration
}

// DefaultBatchConfig returns safe batch defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxConcurrency: 4,
		Timeout:        2 * time.Minute,
	}
}

// URLResult is the outcome of one URL in a batch.
type URLResult struct {
	URL      string
	Response *Response
	Error    error
}

// BatchFetcher fetches sets of URLs through a pipeline with a worker pool.
type BatchFetcher struct {
	pipeline *Pipeline
	config   BatchConfig
}

// NewBatchFetcher creates a batch fetcher over the given pipeline.
func NewBatchFetcher(p *Pipeline, config BatchConfig) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	return &BatchFetcher{
		pipeline: p,
		config:   config,
	}
}

// FetchAll fetches every URL and returns responses keyed by URL. Failed
// URLs are omitted from the map; the error summarizes how many failed and
// wraps the first failure.
func (bf *BatchFetcher) FetchAll(ctx context.Context, urls []string, opts Options) (map[string]*Response, error) {
	start := time.Now()
	logger := bf.pipeline.logger

	logger.Info().
		Int("urls", len(urls)).
		Int("concurrency", bf.config.MaxConcurrency).
		Msg("Starting batch fetch")

	urlQueue := make(chan string, len(urls))
	results := make(chan URLResult, len(urls))

	for _, u := range urls {
		urlQueue <- u
	}
	close(urlQueue)

	var wg sync.WaitGroup
	for i := 0; i < bf.config.MaxConcurrency; i++ {
		wg.Add(1)
		go bf.worker(ctx, urlQueue, results, &wg, opts)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]*Response, len(urls))
	var failed int
	var firstErr error

	for res := range results {
		if res.Error != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Error
			}
			logger.Warn().
				Err(res.Error).
				Str("url", res.URL).
				Msg("Batch URL failed")
			continue
		}
		out[res.URL] = res.Response
	}

	logger.Info().
		Int("fetched", len(out)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	if failed > 0 {
		return out, fmt.Errorf("batch fetch: %d of %d URLs failed: %w", failed, len(urls), firstErr)
	}
	return out, nil
}

func (bf *BatchFetcher) worker(ctx context.Context, urlQueue <-chan string, results chan<- URLResult, wg *sync.WaitGroup, opts Options) {
	defer wg.Done()

	for u := range urlQueue {
		select {
		case <-ctx.Done():
			results <- URLResult{URL: u, Error: ctx.Err()}
			continue
		default:
		}

		urlCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		resp, err := bf.pipeline.Fetch(urlCtx, u, opts)
		cancel()

		results <- URLResult{URL: u, Response: resp, Error: err}
	}
}
