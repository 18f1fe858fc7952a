package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"batchfetch/pkg/cache"
	"batchfetch/pkg/logging"
	"batchfetch/pkg/orchestrator"
	"batchfetch/pkg/pagination"
	"batchfetch/pkg/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const batchTimeout = 60 * time.Second

type app struct {
	upstreamURL string
	userAgent   string
	cache       *cache.Manager
	sets        map[string]EndpointSet
	logger      zerolog.Logger
}

func main() {
	// Configuration from environment
	port := getEnv("PORT", "8080")
	upstreamURL := getEnv("UPSTREAM_URL", "")
	redisURL := getEnv("REDIS_URL", "")
	endpointsFile := getEnv("ENDPOINTS_FILE", "endpoints.yaml")
	userAgent := getEnv("USER_AGENT", "batchfetch/0.1.0")
	logLevel := getEnv("LOG_LEVEL", "info")

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(logLevel),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	if upstreamURL == "" {
		logger.Fatal().Msg("UPSTREAM_URL is required")
	}

	sets, err := loadEndpointSets(endpointsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", endpointsFile).Msg("Failed to load endpoint sets")
	}
	logger.Info().Int("sets", len(sets)).Str("file", endpointsFile).Msg("Loaded endpoint sets")

	// Redis-backed response cache is optional; without it every batch hits
	// the upstream directly.
	var cacheManager *cache.Manager
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: redisURL,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", redisURL).Msg("Failed to connect to Redis")
		}
		cacheManager = cache.NewManager(redisClient)
		logger.Info().Str("redis", redisURL).Msg("Connected to Redis")
	}

	application := &app{
		upstreamURL: upstreamURL,
		userAgent:   userAgent,
		cache:       cacheManager,
		sets:        sets,
		logger:      logger,
	}

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/v1/batch/", application.batchHandler)
	http.Handle("/metrics", promhttp.Handler())

	addr := ":" + port
	logger.Info().Str("addr", addr).Str("upstream", upstreamURL).Msg("Starting batch fetch server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// batchHandler runs one batch for the named endpoint set and returns the
// settled aggregate state as JSON. The inbound query string is the batch's
// ambient parameters, so paginated endpoints pick up cursors from it.
func (a *app) batchHandler(w http.ResponseWriter, r *http.Request) {
	setName := strings.TrimPrefix(r.URL.Path, "/v1/batch/")
	set, ok := a.sets[setName]
	if !ok {
		http.Error(w, "unknown endpoint set", http.StatusNotFound)
		return
	}

	tr, err := transport.New(transport.Config{
		BaseURL:   a.upstreamURL,
		UserAgent: a.userAgent,
		Cache:     a.cache,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to create transport")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tr.Close()

	ambient := r.URL.Query()
	settled := make(chan orchestrator.BatchState, 1)
	orch, err := orchestrator.New(orchestrator.Config{
		Transport:          tr,
		Endpoints:          func() []orchestrator.EndpointDescriptor { return set.Endpoints },
		Ambient:            func() url.Values { return ambient },
		SurfaceBadRequests: set.SurfaceBadRequests,
		OnSettled: func(state orchestrator.BatchState) {
			select {
			case settled <- state:
			default:
			}
		},
	})
	if err != nil {
		a.logger.Error().Err(err).Str("set", setName).Msg("Failed to create orchestrator")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	orch.Activate()

	select {
	case state := <-settled:
		writeBatchResponse(w, setName, state, set.SurfaceBadRequests, a.logger)
	case <-r.Context().Done():
		orch.Cancel()
	case <-time.After(batchTimeout):
		orch.Cancel()
		http.Error(w, "batch timed out", http.StatusGatewayTimeout)
	}
}

// batchResponse is the JSON body returned for a settled batch.
type batchResponse struct {
	Set            string                         `json:"set"`
	Phase          orchestrator.Phase             `json:"phase"`
	HasError       bool                           `json:"hasError"`
	Classification *classificationJSON            `json:"classification,omitempty"`
	Results        map[string]json.RawMessage     `json:"results"`
	Errors         map[string]errorJSON           `json:"errors,omitempty"`
	Pagination     map[string]pagination.PageInfo `json:"pagination,omitempty"`
}

type classificationJSON struct {
	Class  orchestrator.ErrorClass `json:"class"`
	Detail string                  `json:"detail,omitempty"`
}

type errorJSON struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeBatchResponse(w http.ResponseWriter, setName string, state orchestrator.BatchState, surfaceBadRequests bool, logger zerolog.Logger) {
	resp := batchResponse{
		Set:      setName,
		Phase:    state.Phase,
		HasError: state.HasError,
		Results:  state.ResultByKey,
	}

	if len(state.ErrorByKey) > 0 {
		resp.Errors = make(map[string]errorJSON, len(state.ErrorByKey))
		for key, reqErr := range state.ErrorByKey {
			resp.Errors[key] = errorJSON{
				Status:  reqErr.StatusCode,
				Message: reqErr.Message,
				Detail:  reqErr.Detail,
			}
		}
	}

	if len(state.PaginationByKey) > 0 {
		resp.Pagination = state.PaginationByKey
	}

	w.Header().Set("Content-Type", "application/json")
	if state.HasError {
		class := orchestrator.ClassifyErrors(state.ErrorByKey, surfaceBadRequests)
		resp.Classification = &classificationJSON{
			Class:  class.Class,
			Detail: class.Detail,
		}
		w.WriteHeader(http.StatusBadGateway)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("set", setName).Msg("Failed to write batch response")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
