package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/mailtriage/internal/analyst"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/store"
	"github.com/ignite/mailtriage/internal/strategist"
)

// Kind classifies pipeline failures so the retry policy and the failure
// path can act without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientUpstream   // model timeout, throttle, network; retried with backoff
	KindParseFailure        // repair ladder exhausted; permanent for the phase
	KindValidationReject    // bad input; recorded, never retried
	KindPersistenceConflict // CAS miss; re-read and merge, not backoff
	KindResourceExhaustion  // queue full past the send timeout
	KindCancelled           // shutdown or caller gave up
	KindInvariantViolation  // a bug, not an input problem
)

func (k Kind) String() string {
	switch k {
	case KindTransientUpstream:
		return "transient_upstream"
	case KindParseFailure:
		return "parse_failure"
	case KindValidationReject:
		return "validation_reject"
	case KindPersistenceConflict:
		return "persistence_conflict"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindCancelled:
		return "cancelled"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error wraps a failure with its kind and the stage it happened in.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified pipeline error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification, KindUnknown when err was never
// classified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the retry policy applies.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientUpstream, KindResourceExhaustion:
		return true
	default:
		return false
	}
}

// classifyModel maps an analyst or strategist error onto a kind. Anything
// unrecognized from the model client is assumed transient; Bedrock
// throttles and 5xxs surface as plain SDK errors.
func classifyModel(op string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return E(KindCancelled, op, err)
	case errors.Is(err, analyst.ErrParseFailure), errors.Is(err, strategist.ErrParseFailure):
		return E(KindParseFailure, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrEmptyCompletion):
		return E(KindTransientUpstream, op, err)
	default:
		return E(KindTransientUpstream, op, err)
	}
}

// classifyStore maps a persistence error onto a kind.
func classifyStore(op string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return E(KindCancelled, op, err)
	case errors.Is(err, store.ErrVersionConflict):
		return E(KindPersistenceConflict, op, err)
	default:
		return E(KindTransientUpstream, op, err)
	}
}
