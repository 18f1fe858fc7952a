// Package pagination extracts pagination metadata from upstream responses
// and merges ambient pagination parameters into request params.
package pagination

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// PageInfo is opaque pagination metadata extracted from a response.
// The orchestrator stores it per endpoint key without interpreting it;
// only the presentation layer (or the next request) consumes it.
type PageInfo struct {
	// Link is the raw Link header value, if present.
	Link string `json:"link,omitempty"`

	// TotalPages is parsed from the X-Total-Pages header (0 if absent).
	TotalPages int `json:"total_pages,omitempty"`

	// NextCursor is the cursor query value of the rel="next" Link target,
	// if one could be extracted.
	NextCursor string `json:"next_cursor,omitempty"`
}

// IsZero returns true if no pagination metadata was present.
func (p PageInfo) IsZero() bool {
	return p.Link == "" && p.TotalPages == 0 && p.NextCursor == ""
}

// FromHeaders extracts pagination metadata from response headers.
// Unknown or malformed values are ignored, never an error: pagination
// metadata is advisory.
func FromHeaders(headers http.Header) PageInfo {
	info := PageInfo{
		Link: headers.Get("Link"),
	}

	if totalStr := headers.Get("X-Total-Pages"); totalStr != "" {
		if total, err := strconv.Atoi(totalStr); err == nil && total > 0 {
			info.TotalPages = total
		}
	}

	if info.Link != "" {
		info.NextCursor = nextCursor(info.Link)
	}

	return info
}

// nextCursor parses a Link header and returns the "cursor" query value of
// the rel="next" entry. Returns "" if there is no usable next link.
func nextCursor(link string) string {
	for _, part := range strings.Split(link, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}

		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")

		isNext := false
		for _, attr := range segments[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}

		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		return u.Query().Get("cursor")
	}
	return ""
}

// MergeAmbient merges ambient query parameters (the host's current
// location/search string) into explicit endpoint params, returning a new
// params object. Ambient values win on key collision: a cursor carried in
// the ambient location must override whatever the endpoint declared,
// otherwise a reload would silently jump back to the first page.
func MergeAmbient(explicit, ambient url.Values) url.Values {
	merged := make(url.Values, len(explicit)+len(ambient))
	for key, values := range explicit {
		merged[key] = append([]string(nil), values...)
	}
	for key, values := range ambient {
		merged[key] = append([]string(nil), values...)
	}
	return merged
}
