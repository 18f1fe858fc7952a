package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key represents a unique identifier for a cached response.
type Key struct {
	// Endpoint is the upstream endpoint path (e.g., "/v1/projects/42/members/")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"cursor": "abc"})
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: fetch:endpoint:query1=val1:query2=val2
//
// Example:
//
//	fetch:v1/projects/42/members:cursor=abc
func (k Key) String() string {
	parts := []string{"fetch"}

	// Add endpoint (normalize path)
	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
