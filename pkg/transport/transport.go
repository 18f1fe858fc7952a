// Package transport issues the orchestrator's outbound HTTP fetches and
// delivers their completions asynchronously, exactly once per request.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"batchfetch/pkg/cache"
	"batchfetch/pkg/pagination"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchfetch_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchfetch_inflight_requests",
		Help: "Number of upstream requests currently in flight",
	})
)

// Completion is the outcome of one issued request. Exactly one of
// Body/Page (success) or Err (failure) is meaningful.
type Completion struct {
	Body json.RawMessage
	Page pagination.PageInfo
	Err  error
}

// CompleteFunc receives a request's completion. It is invoked exactly once
// per issued request, from the request's own goroutine, unless the request
// is aborted by CancelAll first.
type CompleteFunc func(Completion)

// Config holds the transport configuration.
type Config struct {
	// BaseURL is the upstream base URL (scheme + host, no trailing slash).
	BaseURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Timeout applies per request.
	Timeout time.Duration

	// Cache is an optional response cache consulted for GET requests.
	Cache *cache.Manager
}

// Transport issues independent HTTP fetches and supports bulk cancellation
// of every outstanding request.
type Transport struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger

	mu    sync.Mutex
	group *requestGroup
}

// requestGroup ties a set of issued requests to one cancellation scope.
type requestGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Handle identifies one issued request and allows cancelling it alone.
type Handle struct {
	cancel context.CancelFunc
}

// Cancel aborts this request. Its completion callback may still fire with
// a cancellation error if the abort raced the response.
func (h *Handle) Cancel() {
	h.cancel()
}

// New creates a transport.
func New(cfg Config) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "transport").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
		group:  &requestGroup{ctx: ctx, cancel: cancel},
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *Transport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// Issue fires one asynchronous request and invokes complete with its
// outcome. The callback runs on the request's goroutine; it fires exactly
// once, or never if CancelAll aborts the request first.
func (t *Transport) Issue(path, method string, params url.Values, complete CompleteFunc) *Handle {
	t.mu.Lock()
	group := t.group
	group.wg.Add(1)
	t.mu.Unlock()

	reqCtx, reqCancel := context.WithCancel(group.ctx)

	inflightRequests.Inc()
	go func() {
		defer group.wg.Done()
		defer reqCancel()
		defer inflightRequests.Dec()

		result := t.fetch(reqCtx, path, method, params)

		// A request aborted by CancelAll must not call back. The group
		// waits for this goroutine, so a callback that does run is
		// always delivered before CancelAll returns.
		if group.ctx.Err() != nil {
			t.logger.Debug().
				Str("endpoint", path).
				Msg("Dropping completion for cancelled request")
			return
		}

		complete(result)
	}()

	return &Handle{cancel: reqCancel}
}

// CancelAll aborts every outstanding request issued by this transport.
// No completion callback fires after CancelAll returns. The transport
// remains usable: subsequent Issue calls join a fresh cancellation scope.
func (t *Transport) CancelAll() {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	old := t.group
	t.group = &requestGroup{ctx: ctx, cancel: cancel}
	t.mu.Unlock()

	old.cancel()
	old.wg.Wait()
}

// Close aborts all outstanding requests and releases resources.
func (t *Transport) Close() error {
	t.CancelAll()
	return nil
}

// fetch performs one HTTP request with caching and error handling.
func (t *Transport) fetch(ctx context.Context, path, method string, params url.Values) Completion {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(path).Observe(time.Since(startTime).Seconds())
	}()

	if method == "" {
		method = http.MethodGet
	}

	// Check cache for GET requests
	var cachedEntry *cache.Entry
	cacheKey := cache.Key{
		Endpoint:    path,
		QueryParams: params,
	}
	if t.config.Cache != nil && method == http.MethodGet {
		entry, err := t.config.Cache.Get(ctx, cacheKey)
		if err != nil && err != cache.ErrCacheMiss {
			t.logger.Warn().Err(err).Str("endpoint", path).Msg("Cache get error")
		}
		cachedEntry = entry
	}

	requestURL := t.config.BaseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return Completion{Err: fmt.Errorf("create request: %w", err)}
	}

	if cachedEntry != nil && cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		t.logger.Debug().
			Str("endpoint", path).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	if t.config.UserAgent != "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	t.logger.Debug().
		Str("endpoint", path).
		Str("method", method).
		Msg("Executing request")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			requestsTotal.WithLabelValues(path, "cancelled").Inc()
			return Completion{Err: fmt.Errorf("%w: %s", ErrCancelled, path)}
		}
		t.logger.Error().Err(err).Str("endpoint", path).Msg("HTTP request failed")
		requestsTotal.WithLabelValues(path, "network_error").Inc()
		return Completion{Err: &RequestError{
			Message: "network failure",
			Err:     err,
		}}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(path, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	// 304 Not Modified: serve from cache
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		t.logger.Debug().Str("endpoint", path).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()
		return Completion{
			Body: cachedEntry.Data,
			Page: pagination.FromHeaders(cachedEntry.Headers),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{Err: &RequestError{
			StatusCode: resp.StatusCode,
			Message:    "read response body",
			Err:        err,
		}}
	}

	if resp.StatusCode >= 400 {
		reqErr := &RequestError{
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
			Detail:     parseDetail(body),
		}
		t.logger.Warn().
			Str("endpoint", path).
			Int("status", resp.StatusCode).
			Msg("Upstream request error")
		return Completion{Err: reqErr}
	}

	if t.config.Cache != nil && method == http.MethodGet && resp.StatusCode == http.StatusOK {
		entry := cache.ResponseEntry(resp, body)
		if entry.TTL() > 0 {
			if err := t.config.Cache.Set(ctx, cacheKey, entry); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				t.logger.Debug().
					Str("endpoint", path).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	return Completion{
		Body: body,
		Page: pagination.FromHeaders(resp.Header),
	}
}

// parseDetail extracts a structured "detail" message from an error body.
// Returns "" if the body is not of the {"detail": "..."} shape.
func parseDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Detail
}
