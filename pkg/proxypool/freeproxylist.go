package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const freeProxyListURL = "https://free-proxy-list.net/"

// FreeProxyListSource scrapes the free-proxy-list.net HTML table.
type FreeProxyListSource struct {
	client    *http.Client
	userAgent string
	url       string
}

// NewFreeProxyListSource creates a free-proxy-list.net source.
func NewFreeProxyListSource(cfg SourceConfig) *FreeProxyListSource {
	return &FreeProxyListSource{
		client:    newSourceClient(cfg),
		userAgent: cfg.UserAgent,
		url:       freeProxyListURL,
	}
}

func (s *FreeProxyListSource) Name() string {
	return "freeproxylist"
}

func (s *FreeProxyListSource) Fetch(ctx context.Context) ([]Endpoint, error) {
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

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	return parseProxyTable(doc), nil
}

// parseProxyTable extracts endpoints from the proxy table. Column layout:
// IP, Port, Code, Country, Anonymity, Google, Https, Last Checked.
func parseProxyTable(doc *goquery.Document) []Endpoint {
	var endpoints []Endpoint

	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 7 {
			return
		}

		host := strings.TrimSpace(cells.Eq(0).Text())
		port, err := strconv.Atoi(strings.TrimSpace(cells.Eq(1).Text()))
		if host == "" || err != nil || port <= 0 || port > 65535 {
			return
		}

		protocol := "http"
		if strings.EqualFold(strings.TrimSpace(cells.Eq(6).Text()), "yes") {
			protocol = "https"
		}

		endpoints = append(endpoints, Endpoint{
			Host:     host,
			Port:     port,
			Protocol: protocol,
		})
	})

	return endpoints
}
