package proxypool

import (
	"context"
	"net/http"
	"time"
)

// Source fetches proxy endpoint candidates from one external list provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Endpoint, error)
}

// SourceConfig holds shared configuration for the built-in sources.
type SourceConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// DefaultSourceConfig returns the default source configuration.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Timeout:   10 * time.Second,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

// DefaultSources returns the built-in source set: two plain-text list APIs,
// one JSON API, and one HTML table scrape.
func DefaultSources(cfg SourceConfig) []Source {
	return []Source{
		NewProxyScrapeSource(cfg),
		NewProxyListDownloadSource(cfg),
		NewGeonodeSource(cfg),
		NewFreeProxyListSource(cfg),
	}
}

func newSourceClient(cfg SourceConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
