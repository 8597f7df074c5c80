package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func TestParseProtocolList(t *testing.T) {
	input := strings.Join([]string{
		"http://10.0.0.1:8080",
		"socks5://10.0.0.2:1080",
		"",
		"not-a-proxy-line",
		"http://10.0.0.3:notaport",
		"https://10.0.0.4:3128",
	}, "\n")

	endpoints, err := parseProtocolList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseProtocolList() error = %v", err)
	}

	if len(endpoints) != 3 {
		t.Fatalf("got %d endpoints, want 3", len(endpoints))
	}
	if endpoints[0].Host != "10.0.0.1" || endpoints[0].Port != 8080 || endpoints[0].Protocol != "http" {
		t.Errorf("first endpoint = %+v", endpoints[0])
	}
	if endpoints[1].Protocol != "socks5" {
		t.Errorf("second endpoint protocol = %q, want socks5", endpoints[1].Protocol)
	}
}

func TestParseHostPortList(t *testing.T) {
	input := "10.0.0.1:8080\n\nbadline\n10.0.0.2:99999\n10.0.0.3:3128\n"

	endpoints, err := parseHostPortList(strings.NewReader(input), "http")
	if err != nil {
		t.Fatalf("parseHostPortList() error = %v", err)
	}

	if len(endpoints) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(endpoints))
	}
	if endpoints[1].Host != "10.0.0.3" || endpoints[1].Port != 3128 {
		t.Errorf("second endpoint = %+v", endpoints[1])
	}
}

func TestGeonodeSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q, want application/json", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"ip": "10.0.0.1", "port": "8080", "protocols": ["http"], "country": "US", "latency": 150},
				{"ip": "10.0.0.2", "port": "bogus", "protocols": ["http"], "country": "DE", "latency": 80},
				{"ip": "10.0.0.3", "port": "1080", "protocols": ["socks5"], "country": "FR", "latency": 200}
			]
		}`))
	}))
	defer server.Close()

	src := NewGeonodeSource(DefaultSourceConfig())
	src.url = server.URL

	endpoints, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(endpoints) != 2 {
		t.Fatalf("got %d endpoints, want 2 (invalid port skipped)", len(endpoints))
	}
	if endpoints[0].LastResponseTime.Milliseconds() != 150 {
		t.Errorf("LastResponseTime = %v, want 150ms from listing latency", endpoints[0].LastResponseTime)
	}
	if endpoints[1].Protocol != "socks5" {
		t.Errorf("protocol = %q, want socks5", endpoints[1].Protocol)
	}
}

func TestGeonodeSource_FetchErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	src := NewGeonodeSource(DefaultSourceConfig())
	src.url = server.URL

	if _, err := src.Fetch(context.Background()); err == nil {
		t.Error("Fetch() on 503 should return an error")
	}
}

func TestParseProxyTable(t *testing.T) {
	html := `
	<html><body><table class="table">
	<thead><tr><th>IP</th><th>Port</th><th>Code</th><th>Country</th><th>Anonymity</th><th>Google</th><th>Https</th><th>Last Checked</th></tr></thead>
	<tbody>
	<tr><td>10.0.0.1</td><td>8080</td><td>US</td><td>United States</td><td>elite proxy</td><td>no</td><td>yes</td><td>1 min ago</td></tr>
	<tr><td>10.0.0.2</td><td>3128</td><td>DE</td><td>Germany</td><td>anonymous</td><td>no</td><td>no</td><td>2 mins ago</td></tr>
	<tr><td>garbage</td><td>notaport</td><td></td><td></td><td></td><td></td><td></td><td></td></tr>
	</tbody></table></body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse test HTML: %v", err)
	}

	endpoints := parseProxyTable(doc)
	if len(endpoints) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(endpoints))
	}
	if endpoints[0].Protocol != "https" {
		t.Errorf("first endpoint protocol = %q, want https (Https column yes)", endpoints[0].Protocol)
	}
	if endpoints[1].Protocol != "http" {
		t.Errorf("second endpoint protocol = %q, want http", endpoints[1].Protocol)
	}
}

func TestProxyListDownloadSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("10.0.0.1:8080\n10.0.0.2:3128\n"))
	}))
	defer server.Close()

	src := NewProxyListDownloadSource(DefaultSourceConfig())
	src.urls = []string{server.URL + "/api/v1/get?type=http"}

	endpoints, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(endpoints) != 2 {
		t.Errorf("got %d endpoints, want 2", len(endpoints))
	}
	if endpoints[0].Protocol != "http" {
		t.Errorf("protocol = %q, want http (from type query param)", endpoints[0].Protocol)
	}
}
