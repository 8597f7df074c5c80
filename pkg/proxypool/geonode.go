package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const geonodeURL = "https://proxylist.geonode.com/api/proxy-list?limit=500"

// GeonodeSource fetches the geonode.com JSON proxy-list API.
type GeonodeSource struct {
	client    *http.Client
	userAgent string
	url       string
}

type geonodeResponse struct {
	Data []geonodeProxy `json:"data"`
}

type geonodeProxy struct {
	IP        string   `json:"ip"`
	Port      string   `json:"port"`
	Protocols []string `json:"protocols"`
	Country   string   `json:"country"`
	Latency   float64  `json:"latency"`
}

// NewGeonodeSource creates a geonode API source.
func NewGeonodeSource(cfg SourceConfig) *GeonodeSource {
	return &GeonodeSource{
		client:    newSourceClient(cfg),
		userAgent: cfg.UserAgent,
		url:       geonodeURL,
	}
}

func (s *GeonodeSource) Name() string {
	return "geonode"
}

func (s *GeonodeSource) Fetch(ctx context.Context) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var body geonodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	var endpoints []Endpoint
	for _, p := range body.Data {
		port, err := strconv.Atoi(p.Port)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}

		protocol := "http"
		if len(p.Protocols) > 0 {
			protocol = p.Protocols[0]
		}

		endpoints = append(endpoints, Endpoint{
			Host:             p.IP,
			Port:             port,
			Protocol:         protocol,
			LastResponseTime: time.Duration(p.Latency) * time.Millisecond,
		})
	}

	return endpoints, nil
}
