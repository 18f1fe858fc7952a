package cache

import (
	"net/url"
	"testing"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			name:     "endpoint only",
			key:      Key{Endpoint: "/v1/projects/42/members/"},
			expected: "fetch:v1/projects/42/members",
		},
		{
			name: "endpoint with query params",
			key: Key{
				Endpoint:    "/v1/items/",
				QueryParams: url.Values{"cursor": []string{"abc"}, "limit": []string{"10"}},
			},
			expected: "fetch:v1/items:cursor=abc:limit=10",
		},
		{
			name: "query params sorted for determinism",
			key: Key{
				Endpoint:    "/v1/items/",
				QueryParams: url.Values{"zeta": []string{"1"}, "alpha": []string{"2"}},
			},
			expected: "fetch:v1/items:alpha=2:zeta=1",
		},
		{
			name:     "empty endpoint",
			key:      Key{},
			expected: "fetch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKeyStringDeterministic(t *testing.T) {
	key := Key{
		Endpoint:    "/v1/items/",
		QueryParams: url.Values{"b": []string{"2"}, "a": []string{"1"}, "c": []string{"3"}},
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Fatalf("String() = %q on iteration %d, want %q", got, i, first)
		}
	}
}
