package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"batchfetch/pkg/pagination"
	"batchfetch/pkg/transport"
)

// fakeTransport records issued requests and lets tests fire completions
// deterministically.
type fakeTransport struct {
	mu      sync.Mutex
	issued  []issuedRequest
	cancels int
}

type issuedRequest struct {
	path     string
	method   string
	params   url.Values
	complete transport.CompleteFunc
}

func (f *fakeTransport) Issue(path, method string, params url.Values, complete transport.CompleteFunc) *transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, issuedRequest{path: path, method: method, params: params, complete: complete})
	return &transport.Handle{}
}

func (f *fakeTransport) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeTransport) requests() []issuedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]issuedRequest, len(f.issued))
	copy(out, f.issued)
	return out
}

func (f *fakeTransport) request(t *testing.T, path string) issuedRequest {
	t.Helper()
	for _, req := range f.requests() {
		if req.path == path {
			return req
		}
	}
	t.Fatalf("no issued request for path %q", path)
	return issuedRequest{}
}

// succeed fires a success completion with the given payload.
func (r issuedRequest) succeed(payload string) {
	r.complete(transport.Completion{Body: json.RawMessage(payload)})
}

// fail fires a failure completion with the given status code.
func (r issuedRequest) fail(status int) {
	r.complete(transport.Completion{Err: &transport.RequestError{
		StatusCode: status,
		Message:    fmt.Sprintf("%d error", status),
	}})
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeTransport) {
	t.Helper()

	ft := &fakeTransport{}
	cfg.Transport = ft
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return orch, ft
}

func staticEndpoints(endpoints ...EndpointDescriptor) func() []EndpointDescriptor {
	return func() []EndpointDescriptor {
		return endpoints
	}
}

func TestActivateEmptyListSettlesImmediately(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(),
	})

	orch.Activate()

	state := orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if state.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", state.Remaining)
	}
	if state.HasError {
		t.Error("HasError = true, want false for empty batch")
	}
}

func TestBatchSettlesInAnyCompletionOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []int
		fail  map[int]bool
	}{
		{name: "declaration order, all success", order: []int{0, 1, 2}},
		{name: "reverse order, all success", order: []int{2, 1, 0}},
		{name: "mixed order, one failure", order: []int{1, 2, 0}, fail: map[int]bool{2: true}},
		{name: "all failures", order: []int{2, 0, 1}, fail: map[int]bool{0: true, 1: true, 2: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, ft := newTestOrchestrator(t, Config{
				Endpoints: staticEndpoints(
					EndpointDescriptor{Key: "a", Path: "/a"},
					EndpointDescriptor{Key: "b", Path: "/b"},
					EndpointDescriptor{Key: "c", Path: "/c"},
				),
			})

			orch.Activate()

			requests := ft.requests()
			if len(requests) != 3 {
				t.Fatalf("issued %d requests, want 3", len(requests))
			}

			for _, i := range tt.order {
				if tt.fail[i] {
					requests[i].fail(500)
				} else {
					requests[i].succeed(`{"ok":true}`)
				}
			}

			state := orch.Snapshot()
			if state.Phase != PhaseSettled {
				t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
			}
			if state.Remaining != 0 {
				t.Errorf("Remaining = %d, want 0", state.Remaining)
			}
			wantErr := len(tt.fail) > 0
			if state.HasError != wantErr {
				t.Errorf("HasError = %v, want %v", state.HasError, wantErr)
			}
		})
	}
}

func TestPartialFailureScenario(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/x"},
			EndpointDescriptor{Key: "b", Path: "/y"},
		),
	})

	orch.Activate()

	ft.request(t, "/x").succeed(`{"v":1}`)
	ft.request(t, "/y").fail(500)

	state := orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if !state.HasError {
		t.Error("HasError = false, want true")
	}
	if got := string(state.ResultByKey["a"]); got != `{"v":1}` {
		t.Errorf("ResultByKey[a] = %s, want {\"v\":1}", got)
	}
	if _, ok := state.ResultByKey["b"]; ok {
		t.Error("ResultByKey[b] present, want absent")
	}
	reqErr, ok := state.ErrorByKey["b"]
	if !ok {
		t.Fatal("ErrorByKey[b] absent, want 500 error")
	}
	if reqErr.StatusCode != 500 {
		t.Errorf("ErrorByKey[b].StatusCode = %d, want 500", reqErr.StatusCode)
	}
	if _, ok := state.ErrorByKey["a"]; ok {
		t.Error("ErrorByKey[a] present, want absent")
	}
}

func TestAllowErrorSuppressesFailure(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{
				Key:  "opt",
				Path: "/optional",
				Options: Options{
					AllowError: func(err error) bool {
						return transport.IsStatus(err, 404)
					},
				},
			},
		),
	})

	orch.Activate()
	ft.request(t, "/optional").fail(404)

	state := orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if state.HasError {
		t.Error("HasError = true, want false for suppressed failure")
	}
	payload, ok := state.ResultByKey["opt"]
	if !ok {
		t.Fatal("ResultByKey[opt] absent, want null entry")
	}
	if payload != nil {
		t.Errorf("ResultByKey[opt] = %s, want null", payload)
	}
	if _, ok := state.ErrorByKey["opt"]; ok {
		t.Error("ErrorByKey[opt] present, want absent")
	}
}

func TestAllowErrorDoesNotSuppressOtherStatuses(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{
				Key:  "opt",
				Path: "/optional",
				Options: Options{
					AllowError: func(err error) bool {
						return transport.IsStatus(err, 404)
					},
				},
			},
		),
	})

	orch.Activate()
	ft.request(t, "/optional").fail(500)

	state := orch.Snapshot()
	if !state.HasError {
		t.Error("HasError = false, want true for non-matching failure")
	}
	if _, ok := state.ErrorByKey["opt"]; !ok {
		t.Error("ErrorByKey[opt] absent, want 500 error")
	}
}

func TestZombieCompletionIsDiscarded(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	stale := ft.request(t, "/a")

	// Advance the generation; the first batch's completion is now stale.
	orch.Restart(false)

	stale.succeed(`{"stale":true}`)

	state := orch.Snapshot()
	if state.Phase != PhaseLoading {
		t.Errorf("Phase = %q, want %q (stale completion must not settle new batch)", state.Phase, PhaseLoading)
	}
	if state.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", state.Remaining)
	}
	if _, ok := state.ResultByKey["a"]; ok {
		t.Error("ResultByKey[a] present, want stale payload discarded")
	}

	// The new batch's own completion still lands.
	requests := ft.requests()
	requests[len(requests)-1].succeed(`{"fresh":true}`)

	state = orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if got := string(state.ResultByKey["a"]); got != `{"fresh":true}` {
		t.Errorf("ResultByKey[a] = %s, want fresh payload", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	orch.Cancel()
	orch.Cancel()

	state := orch.Snapshot()
	if state.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseIdle)
	}
	if state.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", state.Remaining)
	}

	ft.mu.Lock()
	cancels := ft.cancels
	ft.mu.Unlock()
	// One CancelAll from Activate plus one per Cancel call.
	if cancels != 3 {
		t.Errorf("transport CancelAll called %d times, want 3", cancels)
	}
}

func TestCompletionAfterCancelIsDiscarded(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	late := ft.request(t, "/a")

	orch.Cancel()
	late.succeed(`{"late":true}`)

	state := orch.Snapshot()
	if state.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseIdle)
	}
	if len(state.ResultByKey) != 0 {
		t.Errorf("ResultByKey has %d entries after cancel, want 0", len(state.ResultByKey))
	}
}

func TestReloadInPlaceKeepsPriorResults(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	ft.request(t, "/a").succeed(`{"v":1}`)

	orch.Restart(true)

	state := orch.Snapshot()
	if state.Phase != PhaseReloading {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseReloading)
	}
	if got := string(state.ResultByKey["a"]); got != `{"v":1}` {
		t.Errorf("ResultByKey[a] = %s, want prior {\"v\":1} still visible", got)
	}

	// The refetch overwrites the retained payload.
	requests := ft.requests()
	requests[len(requests)-1].succeed(`{"v":2}`)

	state = orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if got := string(state.ResultByKey["a"]); got != `{"v":2}` {
		t.Errorf("ResultByKey[a] = %s, want {\"v\":2}", got)
	}
}

func TestReloadInPlaceRequiresSettledBatch(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	// Batch still loading; reload-in-place must fall back to a full load.
	orch.Restart(true)

	state := orch.Snapshot()
	if state.Phase != PhaseLoading {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseLoading)
	}
}

func TestFullRestartDiscardsPriorResults(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	ft.request(t, "/a").succeed(`{"v":1}`)

	orch.Restart(false)

	state := orch.Snapshot()
	if state.Phase != PhaseLoading {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseLoading)
	}
	if len(state.ResultByKey) != 0 {
		t.Errorf("ResultByKey has %d entries after full restart, want 0", len(state.ResultByKey))
	}
}

func TestPaginateMergesAmbientParams(t *testing.T) {
	ambient := url.Values{"cursor": []string{"abc"}, "env": []string{"prod"}}

	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{
				Key:     "paged",
				Path:    "/items",
				Params:  url.Values{"cursor": []string{"stale"}, "limit": []string{"10"}},
				Options: Options{Paginate: true},
			},
			EndpointDescriptor{
				Key:    "plain",
				Path:   "/meta",
				Params: url.Values{"cursor": []string{"explicit"}},
			},
		),
		Ambient: func() url.Values { return ambient },
	})

	orch.Activate()

	paged := ft.request(t, "/items")
	if got := paged.params.Get("cursor"); got != "abc" {
		t.Errorf("paginated cursor = %q, want ambient %q to win", got, "abc")
	}
	if got := paged.params.Get("limit"); got != "10" {
		t.Errorf("paginated limit = %q, want explicit %q preserved", got, "10")
	}
	if got := paged.params.Get("env"); got != "prod" {
		t.Errorf("paginated env = %q, want ambient %q merged", got, "prod")
	}

	plain := ft.request(t, "/meta")
	if got := plain.params.Get("cursor"); got != "explicit" {
		t.Errorf("non-paginated cursor = %q, want explicit %q untouched", got, "explicit")
	}
}

func TestDuplicateKeyLastDescriptorWins(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/first"},
			EndpointDescriptor{Key: "a", Path: "/second"},
		),
	})

	orch.Activate()

	requests := ft.requests()
	if len(requests) != 1 {
		t.Fatalf("issued %d requests, want 1 for colliding keys", len(requests))
	}
	if requests[0].path != "/second" {
		t.Errorf("issued path = %q, want last descriptor %q", requests[0].path, "/second")
	}

	state := orch.Snapshot()
	if state.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", state.Remaining)
	}
}

func TestPaginationMetadataPassedThrough(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	page := pagination.PageInfo{Link: `<https://x/next?cursor=n1>; rel="next"`, TotalPages: 4, NextCursor: "n1"}
	ft.request(t, "/a").complete(transport.Completion{
		Body: json.RawMessage(`[]`),
		Page: page,
	})

	state := orch.Snapshot()
	if got := state.PaginationByKey["a"]; got != page {
		t.Errorf("PaginationByKey[a] = %+v, want %+v", got, page)
	}
}

func TestOnSettledCallback(t *testing.T) {
	var (
		mu     sync.Mutex
		states []BatchState
	)

	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
		OnSettled: func(s BatchState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	orch.Activate()
	ft.request(t, "/a").succeed(`{}`)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 {
		t.Fatalf("OnSettled fired %d times, want 1", len(states))
	}
	if states[0].Phase != PhaseSettled {
		t.Errorf("OnSettled phase = %q, want %q", states[0].Phase, PhaseSettled)
	}
}

func TestDoubleCompletionReportsFault(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []error
	)

	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
		Faults: FaultFunc(func(err error) {
			mu.Lock()
			faults = append(faults, err)
			mu.Unlock()
		}),
	})

	orch.Activate()
	req := ft.request(t, "/a")
	req.succeed(`{"v":1}`)
	req.succeed(`{"v":2}`)

	mu.Lock()
	defer mu.Unlock()
	if len(faults) != 1 {
		t.Fatalf("reported %d faults, want 1 for double completion", len(faults))
	}

	state := orch.Snapshot()
	if got := string(state.ResultByKey["a"]); got != `{"v":1}` {
		t.Errorf("ResultByKey[a] = %s, want first payload retained", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	ft.request(t, "/a").succeed(`{"v":1}`)

	snap := orch.Snapshot()
	snap.ResultByKey["a"] = json.RawMessage(`{"mutated":true}`)
	snap.ResultByKey["extra"] = json.RawMessage(`{}`)

	state := orch.Snapshot()
	if got := string(state.ResultByKey["a"]); got != `{"v":1}` {
		t.Errorf("ResultByKey[a] = %s, snapshot mutation leaked into orchestrator", got)
	}
	if _, ok := state.ResultByKey["extra"]; ok {
		t.Error("snapshot map shares storage with orchestrator state")
	}
}

func TestConcurrentCompletions(t *testing.T) {
	const n = 50

	endpoints := make([]EndpointDescriptor, n)
	for i := range endpoints {
		endpoints[i] = EndpointDescriptor{
			Key:  fmt.Sprintf("k%d", i),
			Path: fmt.Sprintf("/e/%d", i),
		}
	}

	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(endpoints...),
	})

	orch.Activate()

	requests := ft.requests()
	if len(requests) != n {
		t.Fatalf("issued %d requests, want %d", len(requests), n)
	}

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req issuedRequest) {
			defer wg.Done()
			if i%5 == 0 {
				req.fail(500)
			} else {
				req.succeed(`{"ok":true}`)
			}
		}(i, req)
	}
	wg.Wait()

	state := orch.Snapshot()
	if state.Phase != PhaseSettled {
		t.Errorf("Phase = %q, want %q", state.Phase, PhaseSettled)
	}
	if state.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", state.Remaining)
	}
	if got := len(state.ResultByKey) + len(state.ErrorByKey); got != n {
		t.Errorf("resolved entries = %d, want %d", got, n)
	}
}

func TestNetworkErrorWrappedAsRequestError(t *testing.T) {
	orch, ft := newTestOrchestrator(t, Config{
		Endpoints: staticEndpoints(
			EndpointDescriptor{Key: "a", Path: "/a"},
		),
	})

	orch.Activate()
	ft.request(t, "/a").complete(transport.Completion{Err: errors.New("connection refused")})

	state := orch.Snapshot()
	reqErr, ok := state.ErrorByKey["a"]
	if !ok {
		t.Fatal("ErrorByKey[a] absent, want wrapped network error")
	}
	if reqErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for network error", reqErr.StatusCode)
	}
}
