package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached fetch response by target URL.
type Key struct {
	// URL is the full target URL.
	URL string
}

// String generates a deterministic cache key string. Query parameters are
// sorted so equivalent URLs map to the same key.
//
// Format: fetch:host/path:query1=val1:query2=val2
func (k Key) String() string {
	u, err := url.Parse(k.URL)
	if err != nil {
		// Unparseable URLs still get a stable key.
		return "fetch:" + k.URL
	}

	parts := []string{"fetch", u.Host + u.Path}

	query := u.Query()
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for key := range query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, query.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
