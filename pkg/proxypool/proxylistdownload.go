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

var proxyListDownloadURLs = []string{
	"https://www.proxy-list.download/api/v1/get?type=http",
	"https://www.proxy-list.download/api/v1/get?type=https",
}

// ProxyListDownloadSource fetches the proxy-list.download API, which
// returns plain host:port lines per proxy type.
type ProxyListDownloadSource struct {
	client    *http.Client
	userAgent string
	urls      []string
}

// NewProxyListDownloadSource creates a proxy-list.download source.
func NewProxyListDownloadSource(cfg SourceConfig) *ProxyListDownloadSource {
	return &ProxyListDownloadSource{
		client:    newSourceClient(cfg),
		userAgent: cfg.UserAgent,
		urls:      proxyListDownloadURLs,
	}
}

func (s *ProxyListDownloadSource) Name() string {
	return "proxylist-download"
}

func (s *ProxyListDownloadSource) Fetch(ctx context.Context) ([]Endpoint, error) {
	var all []Endpoint
	var lastErr error

	for _, apiURL := range s.urls {
		endpoints, err := s.fetchURL(ctx, apiURL)
		if err != nil {
			lastErr = err
			continue
		}
		all = append(all, endpoints...)
	}

	// The source only fails when every type listing fails.
	if len(all) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

func (s *ProxyListDownloadSource) fetchURL(ctx context.Context, apiURL string) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
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

	return parseHostPortList(resp.Body, typeFromListURL(apiURL))
}

// parseHostPortList parses bare host:port lines.
func parseHostPortList(r io.Reader, protocol string) ([]Endpoint, error) {
	var endpoints []Endpoint
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		host, portStr, ok := strings.Cut(line, ":")
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

func typeFromListURL(apiURL string) string {
	if idx := strings.Index(apiURL, "type="); idx >= 0 {
		return apiURL[idx+len("type="):]
	}
	return "http"
}
