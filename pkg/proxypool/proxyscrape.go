package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const proxyScrapeURL = "https://api.proxyscrape.com/v4/free-proxy-list/get?request=get_proxies&proxy_format=protocolipport&format=text"

// ProxyScrapeSource fetches the proxyscrape.com free-proxy API, which
// returns one protocol://host:port entry per line.
type ProxyScrapeSource struct {
	client    *http.Client
	userAgent string
	url       string
}

// NewProxyScrapeSource creates a proxyscrape API source.
func NewProxyScrapeSource(cfg SourceConfig) *ProxyScrapeSource {
	return &ProxyScrapeSource{
		client:    newSourceClient(cfg),
		userAgent: cfg.UserAgent,
		url:       proxyScrapeURL,
	}
}

func (s *ProxyScrapeSource) Name() string {
	return "proxyscrape"
}

func (s *ProxyScrapeSource) Fetch(ctx context.Context) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return parseProtocolList(resp.Body)
}

// parseProtocolList parses protocol://host:port lines, skipping anything
// malformed.
func parseProtocolList(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "://", 2)
		if len(parts) != 2 {
			continue
		}
		protocol := parts[0]

		host, portStr, ok := strings.Cut(parts[1], ":")
		if !ok || host == "" {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}

		endpoints = append(endpoints, Endpoint{
			Host:     host,
			Port:     port,
			Protocol: protocol,
		})
	}

	return endpoints, scanner.Err()
}
