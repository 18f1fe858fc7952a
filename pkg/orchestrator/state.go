// Package orchestrator implements the batch fetch lifecycle: issuing a
// declared set of independent requests, merging their completions into one
// aggregate state, and restarting or cancelling the whole batch.
package orchestrator

import (
	"encoding/json"
	"net/url"

	"batchfetch/pkg/pagination"
	"batchfetch/pkg/transport"
)

// Phase is the aggregate lifecycle phase of the current batch.
type Phase string

const (
	// PhaseIdle means no batch has been activated, or the orchestrator was
	// cancelled and torn down.
	PhaseIdle Phase = "idle"

	// PhaseLoading means a fresh batch is in flight with no prior results
	// visible.
	PhaseLoading Phase = "loading"

	// PhaseReloading means a batch is in flight while the previous settled
	// results remain visible until overwritten.
	PhaseReloading Phase = "reloading"

	// PhaseSettled means every endpoint of the current batch has resolved.
	PhaseSettled Phase = "settled"
)

// Options holds per-endpoint fetch options.
type Options struct {
	// Paginate merges the ambient query parameters (including any
	// pagination cursor) into this endpoint's params at issue time.
	Paginate bool

	// AllowError suppresses a failure as success-with-null-payload when it
	// returns true for the error.
	AllowError func(error) bool
}

// EndpointDescriptor declares one fetch of a batch.
// Key must be unique within the batch; on collision the last descriptor
// with the key wins.
type EndpointDescriptor struct {
	Key     string
	Path    string
	Method  string
	Params  url.Values
	Options Options
}

// BatchState is the aggregate state of the current batch. It is owned
// exclusively by the orchestrator; callers read deep copies via Snapshot.
type BatchState struct {
	// Phase is the current lifecycle phase.
	Phase Phase

	// Remaining counts endpoints not yet resolved in the current batch.
	Remaining int

	// HasError is true once any endpoint of the current batch has failed.
	// It never resets within a batch.
	HasError bool

	// ResultByKey maps endpoint key to the last successful payload. A key
	// present with a nil value is a suppressed failure.
	ResultByKey map[string]json.RawMessage

	// ErrorByKey maps endpoint key to its last error. Cleared per key on
	// success, retained otherwise.
	ErrorByKey map[string]*transport.RequestError

	// PaginationByKey maps endpoint key to opaque pagination metadata
	// extracted from the response.
	PaginationByKey map[string]pagination.PageInfo
}

// Settled returns true once every endpoint of the batch has resolved.
func (s *BatchState) Settled() bool {
	return s.Phase == PhaseSettled
}

// InFlight returns true while a batch is loading or reloading.
func (s *BatchState) InFlight() bool {
	return s.Phase == PhaseLoading || s.Phase == PhaseReloading
}

// clone returns a deep copy safe to hand to the presentation layer.
func (s *BatchState) clone() BatchState {
	out := BatchState{
		Phase:           s.Phase,
		Remaining:       s.Remaining,
		HasError:        s.HasError,
		ResultByKey:     make(map[string]json.RawMessage, len(s.ResultByKey)),
		ErrorByKey:      make(map[string]*transport.RequestError, len(s.ErrorByKey)),
		PaginationByKey: make(map[string]pagination.PageInfo, len(s.PaginationByKey)),
	}
	for key, payload := range s.ResultByKey {
		if payload == nil {
			out.ResultByKey[key] = nil
			continue
		}
		out.ResultByKey[key] = append(json.RawMessage(nil), payload...)
	}
	for key, reqErr := range s.ErrorByKey {
		copied := *reqErr
		out.ErrorByKey[key] = &copied
	}
	for key, page := range s.PaginationByKey {
		out.PaginationByKey[key] = page
	}
	return out
}

// newBatchState creates the state for a fresh batch over the given keys.
func newBatchState(keys []string) BatchState {
	return BatchState{
		Phase:           PhaseLoading,
		Remaining:       len(keys),
		ResultByKey:     make(map[string]json.RawMessage, len(keys)),
		ErrorByKey:      make(map[string]*transport.RequestError, len(keys)),
		PaginationByKey: make(map[string]pagination.PageInfo, len(keys)),
	}
}
