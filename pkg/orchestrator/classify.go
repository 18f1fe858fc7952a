package orchestrator

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"batchfetch/pkg/transport"
)

// ErrorClass is the dominant classification of a settled batch's errors,
// used by the presentation layer to pick an error view.
type ErrorClass string

const (
	// ClassNone means the batch has no recorded errors.
	ClassNone ErrorClass = ""

	// ClassUnauthorized wins when any endpoint failed with 401.
	ClassUnauthorized ErrorClass = "unauthorized"

	// ClassPermissionDenied wins when any endpoint failed with 403 and
	// none with 401.
	ClassPermissionDenied ErrorClass = "permission_denied"

	// ClassBadRequest wins when any endpoint failed with a 400 carrying a
	// structured detail message and the host opted in to surfacing them.
	ClassBadRequest ErrorClass = "bad_request"

	// ClassGeneric covers every other failure; the presentation layer
	// shows a retry-capable generic error view for it.
	ClassGeneric ErrorClass = "generic"
)

// Classification is the presentation-facing summary of a batch's errors.
type Classification struct {
	Class ErrorClass

	// Detail carries the concatenated structured messages of all 400
	// responses, in key order. Only set for ClassBadRequest.
	Detail string
}

// ClassifyErrors derives the dominant error class from per-key errors.
// Priority is fixed: 401 > 403 > 400-with-detail (opt-in) > generic,
// scanning all entries in sorted key order.
func ClassifyErrors(errorByKey map[string]*transport.RequestError, surfaceBadRequests bool) Classification {
	if len(errorByKey) == 0 {
		return Classification{Class: ClassNone}
	}

	keys := make([]string, 0, len(errorByKey))
	for key := range errorByKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var details []string
	for _, key := range keys {
		reqErr := errorByKey[key]
		switch reqErr.StatusCode {
		case http.StatusUnauthorized:
			return Classification{Class: ClassUnauthorized}
		case http.StatusBadRequest:
			if reqErr.Detail != "" {
				details = append(details, reqErr.Detail)
			}
		}
	}

	for _, key := range keys {
		if errorByKey[key].StatusCode == http.StatusForbidden {
			return Classification{Class: ClassPermissionDenied}
		}
	}

	if surfaceBadRequests && len(details) > 0 {
		return Classification{
			Class:  ClassBadRequest,
			Detail: strings.Join(details, "\n"),
		}
	}

	return Classification{Class: ClassGeneric}
}

// Classify classifies the current batch's errors. A batch flagged
// HasError with an empty error map violates the orchestrator's own
// invariants and is reported to the fault sink.
func (o *Orchestrator) Classify() Classification {
	snap := o.Snapshot()
	if snap.HasError && len(snap.ErrorByKey) == 0 {
		o.fault(errors.New("batch has error flag with empty error map"))
	}
	return ClassifyErrors(snap.ErrorByKey, o.cfg.SurfaceBadRequests)
}
