package orchestrator

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"batchfetch/pkg/pagination"
	"batchfetch/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch lifecycle operations.
var (
	batchesStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_batches_started_total",
		Help: "Total batches started by mode",
	}, []string{"mode"}) // "load", "reload"

	batchesSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_batches_settled_total",
		Help: "Total batches settled by outcome",
	}, []string{"outcome"}) // "ok", "error"

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchfetch_batch_duration_seconds",
		Help:    "Duration from batch start to settle in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_fetches_total",
		Help: "Total endpoint fetch completions by outcome",
	}, []string{"outcome"}) // "success", "failure", "suppressed"

	staleCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchfetch_stale_completions_total",
		Help: "Total completions discarded because their batch was superseded",
	})
)

// Transport is the collaborator that executes fetches. Implementations
// must deliver each completion exactly once and guarantee that no
// completion fires after CancelAll returns.
type Transport interface {
	Issue(path, method string, params url.Values, complete transport.CompleteFunc) *transport.Handle
	CancelAll()
}

// Config holds the orchestrator configuration.
type Config struct {
	// Transport executes the batch's fetches.
	Transport Transport

	// Endpoints derives the batch's endpoint list from current
	// configuration. Called on every Activate/Restart.
	Endpoints func() []EndpointDescriptor

	// Ambient returns the host's current location query parameters,
	// merged into params of endpoints declared with Paginate.
	Ambient func() url.Values

	// SurfaceBadRequests opts in to classifying 400 responses with
	// structured detail messages as ClassBadRequest.
	SurfaceBadRequests bool

	// OnSettled, if set, is invoked with a state snapshot every time a
	// batch settles. It runs outside the orchestrator's lock.
	OnSettled func(BatchState)

	// Faults receives internal-consistency violations. Defaults to a
	// sink that logs at error level.
	Faults FaultSink
}

// Orchestrator owns the fetch lifecycle of one activation context.
// It is not shared between hosts.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	generation uint64
	state      BatchState
	declared   map[string]bool
	started    time.Time
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Endpoints == nil {
		return nil, fmt.Errorf("endpoints func is required")
	}

	logger := log.With().Str("component", "orchestrator").Logger()

	if cfg.Faults == nil {
		cfg.Faults = &logFaultSink{logger: logger}
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		state:  BatchState{Phase: PhaseIdle},
	}, nil
}

// Activate starts a fresh batch over the configured endpoint list,
// cancelling any batch already in flight.
func (o *Orchestrator) Activate() {
	o.activate(false)
}

// Restart re-derives the endpoint list and starts a new batch. With
// reloadInPlace and a previously settled batch, the phase becomes
// Reloading and prior successful results stay visible until overwritten.
func (o *Orchestrator) Restart(reloadInPlace bool) {
	o.activate(reloadInPlace)
}

// Cancel aborts the current batch. Completions already in flight are
// discarded; the orchestrator ends in Idle with no pending work.
// Calling Cancel twice is the same as calling it once.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.generation++
	o.state.Phase = PhaseIdle
	o.state.Remaining = 0
	o.mu.Unlock()

	o.cfg.Transport.CancelAll()

	o.logger.Debug().Msg("Batch cancelled")
}

// Snapshot returns a deep copy of the aggregate state for the
// presentation layer.
func (o *Orchestrator) Snapshot() BatchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Generation returns the current batch generation.
func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

func (o *Orchestrator) activate(reloadInPlace bool) {
	endpoints := dedupeEndpoints(o.cfg.Endpoints())

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.mu.Unlock()

	// The generation bump already fences stale completions; cancelling
	// also frees their connections.
	o.cfg.Transport.CancelAll()

	ambient := url.Values{}
	if o.cfg.Ambient != nil {
		ambient = o.cfg.Ambient()
	}

	keys := make([]string, len(endpoints))
	for i, ep := range endpoints {
		keys[i] = ep.Key
	}

	o.mu.Lock()
	if gen != o.generation {
		// A newer Activate/Cancel raced this one and owns the state.
		o.mu.Unlock()
		return
	}

	prev := o.state
	next := newBatchState(keys)
	mode := "load"
	if reloadInPlace && prev.Phase == PhaseSettled {
		next.Phase = PhaseReloading
		mode = "reload"
		for key, payload := range prev.ResultByKey {
			next.ResultByKey[key] = payload
		}
		for key, page := range prev.PaginationByKey {
			next.PaginationByKey[key] = page
		}
	}

	settled := len(endpoints) == 0
	if settled {
		// A no-op batch is trivially successful.
		next.Phase = PhaseSettled
	}

	o.state = next
	o.declared = make(map[string]bool, len(keys))
	for _, key := range keys {
		o.declared[key] = true
	}
	o.started = time.Now()

	var snap BatchState
	if settled {
		snap = next.clone()
	}
	o.mu.Unlock()

	batchesStartedTotal.WithLabelValues(mode).Inc()
	o.logger.Debug().
		Uint64("generation", gen).
		Int("endpoints", len(endpoints)).
		Str("mode", mode).
		Msg("Batch started")

	if settled {
		batchesSettledTotal.WithLabelValues("ok").Inc()
		o.notifySettled(snap)
		return
	}

	for _, ep := range endpoints {
		params := ep.Params
		if ep.Options.Paginate {
			params = pagination.MergeAmbient(params, ambient)
		}

		key := ep.Key
		allow := ep.Options.AllowError
		o.cfg.Transport.Issue(ep.Path, ep.Method, params, func(c transport.Completion) {
			o.complete(gen, key, allow, c)
		})
	}
}

// complete applies one request completion. The merge and the decrement of
// Remaining happen in a single critical section so racing completions
// cannot lose updates.
func (o *Orchestrator) complete(gen uint64, key string, allow func(error) bool, c transport.Completion) {
	o.mu.Lock()

	if gen != o.generation {
		o.mu.Unlock()
		staleCompletionsTotal.Inc()
		o.logger.Debug().
			Uint64("generation", gen).
			Str("key", key).
			Msg("Discarding stale completion")
		return
	}

	if !o.declared[key] {
		o.mu.Unlock()
		o.fault(fmt.Errorf("completion for undeclared key %q", key))
		return
	}
	if o.state.Remaining == 0 {
		o.mu.Unlock()
		o.fault(fmt.Errorf("completion for key %q after batch settled", key))
		return
	}

	outcome := "success"
	switch {
	case c.Err != nil && allow != nil && allow(c.Err):
		// Suppressed failure: success with null payload, HasError
		// untouched.
		o.state.ResultByKey[key] = nil
		delete(o.state.ErrorByKey, key)
		outcome = "suppressed"
	case c.Err != nil:
		o.state.ErrorByKey[key] = transport.AsRequestError(c.Err)
		delete(o.state.ResultByKey, key)
		o.state.HasError = true
		outcome = "failure"
	default:
		o.state.ResultByKey[key] = c.Body
		delete(o.state.ErrorByKey, key)
		o.state.PaginationByKey[key] = c.Page
	}

	o.state.Remaining--
	settled := o.state.Remaining == 0

	var snap BatchState
	var elapsed time.Duration
	hasError := o.state.HasError
	if settled {
		o.state.Phase = PhaseSettled
		snap = o.state.clone()
		elapsed = time.Since(o.started)
	}
	o.mu.Unlock()

	fetchesTotal.WithLabelValues(outcome).Inc()
	o.logger.Debug().
		Uint64("generation", gen).
		Str("key", key).
		Str("outcome", outcome).
		Msg("Endpoint resolved")

	if settled {
		batchOutcome := "ok"
		if hasError {
			batchOutcome = "error"
		}
		batchesSettledTotal.WithLabelValues(batchOutcome).Inc()
		batchDuration.Observe(elapsed.Seconds())

		o.logger.Info().
			Uint64("generation", gen).
			Bool("has_error", hasError).
			Int("errors", len(snap.ErrorByKey)).
			Dur("duration", elapsed).
			Msg("Batch settled")

		o.notifySettled(snap)
	}
}

func (o *Orchestrator) notifySettled(snap BatchState) {
	if o.cfg.OnSettled != nil {
		o.cfg.OnSettled(snap)
	}
}

func (o *Orchestrator) fault(err error) {
	o.cfg.Faults.ReportFault(err)
}

// dedupeEndpoints collapses duplicate keys, keeping declaration order of
// first occurrence while the last descriptor with a key wins.
func dedupeEndpoints(endpoints []EndpointDescriptor) []EndpointDescriptor {
	index := make(map[string]int, len(endpoints))
	out := make([]EndpointDescriptor, 0, len(endpoints))
	for _, ep := range endpoints {
		if i, seen := index[ep.Key]; seen {
			out[i] = ep
			continue
		}
		index[ep.Key] = len(out)
		out = append(out, ep)
	}
	return out
}
