// Package identity assembles randomized, internally consistent browser
// request identities. Each identity is a coherent header set for one
// browser family so that header combinations never contradict the
// advertised User-Agent.
package identity

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Family identifies a browser family an identity imitates.
type Family string

const (
	FamilyChrome  Family = "chrome"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
)

// profile binds a family to the User-Agent strings it may advertise and
// the Chromium major version embedded in them (used for sec-ch-ua).
type profile struct {
	family   Family
	agents   []string
	majorVer []string
}

var profiles = []profile{
	{
		family: FamilyChrome,
		agents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		},
		majorVer: []string{"124", "123", "122"},
	},
	{
		family: FamilyFirefox,
		agents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:124.0) Gecko/20100101 Firefox/124.0",
			"Mozilla/5.0 (X11; Linux x86_64; rv:123.0) Gecko/20100101 Firefox/123.0",
		},
	},
	{
		family: FamilySafari,
		agents: []string{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.15",
		},
	},
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.8",
	"en-GB,en-US;q=0.9,en;q=0.8",
	"en-US,en;q=0.9,es;q=0.8",
	"en-CA,en;q=0.9,fr;q=0.8",
}

// Provider produces randomized browser identities. The zero value is not
// usable; construct with NewProvider. Safe for concurrent use.
type Provider struct {
	// mu guards rand (a *rand.Rand is not safe for concurrent use) and
	// the origins map.
	mu   sync.Mutex
	rand *rand.Rand

	// origins maps target hostnames to the Origin/Referer pair a real
	// browser session on that site would carry.
	origins map[string]string
}

// NewProvider creates a provider seeded from the global random source.
func NewProvider() *Provider {
	return &Provider{
		rand:    rand.New(rand.NewSource(rand.Int63())),
		origins: map[string]string{},
	}
}

// RegisterOrigin associates a target host with the origin a browser would
// present when navigating that site. Requests to the host (or its
// subdomains) receive matching Origin and Referer headers.
func (p *Provider) RegisterOrigin(host, origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.origins[strings.ToLower(host)] = origin
}

// Identity is one generated browser identity.
type Identity struct {
	Family    Family
	UserAgent string
	Headers   http.Header
}

// Headers generates a fresh identity for a request to targetURL. Every call
// draws a new random identity.
func (p *Provider) Headers(targetURL string) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := profiles[p.rand.Intn(len(profiles))]
	idx := p.rand.Intn(len(prof.agents))
	ua := prof.agents[idx]

	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguages[p.rand.Intn(len(acceptLanguages))])
	// Accept-Encoding is left to the transport; setting it here would
	// disable transparent gzip decoding.
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")

	switch prof.family {
	case FamilyChrome:
		// Client hints only exist on Chromium; version must match the UA.
		major := prof.majorVer[idx]
		h.Set("sec-ch-ua", fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not-A.Brand";v="99"`, major, major))
		h.Set("sec-ch-ua-mobile", "?0")
		h.Set("sec-ch-ua-platform", platformFromUA(ua))
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
	case FamilyFirefox:
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
		if p.rand.Intn(2) == 0 {
			h.Set("DNT", "1")
		}
	case FamilySafari:
		// Safari sends neither client hints nor Sec-Fetch-User.
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
	}

	if origin := p.originFor(targetURL); origin != "" {
		h.Set("Origin", origin)
		h.Set("Referer", origin+"/")
	}

	return Identity{
		Family:    prof.family,
		UserAgent: ua,
		Headers:   h,
	}
}

// originFor resolves the registered origin for the URL's host, matching
// subdomains against registered parent domains.
func (p *Provider) originFor(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}

	if origin, ok := p.origins[host]; ok {
		return origin
	}
	for registered, origin := range p.origins {
		if strings.HasSuffix(host, "."+registered) {
			return origin
		}
	}
	return ""
}

func platformFromUA(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return `"Windows"`
	case strings.Contains(ua, "Macintosh"):
		return `"macOS"`
	default:
		return `"Linux"`
	}
}
