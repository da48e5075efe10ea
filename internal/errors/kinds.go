package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies failures of a turn. Only generation-path kinds ever reach the client.
type Kind string

const (
	// KindBackendUnavailable means every backend in the chain failed. Fatal for the turn.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindEnrichmentFailed degrades to an absent enrichment result. Never fatal.
	KindEnrichmentFailed Kind = "enrichment_failed"
	// KindPersistenceFailed is logged and never surfaced to the client.
	KindPersistenceFailed Kind = "persistence_failed"
	// KindMalformedUpstreamChunk is skipped.
	KindMalformedUpstreamChunk Kind = "malformed_upstream_chunk"
	// KindOutlineGenerationFailed aborts a deep-research turn before any section.
	KindOutlineGenerationFailed Kind = "outline_generation_failed"
	// KindSectionGenerationFailed aborts a deep-research turn after fallback exhaustion.
	KindSectionGenerationFailed Kind = "section_generation_failed"
	// KindUpstream is a generation failure reported by a single streaming backend.
	KindUpstream Kind = "upstream_error"
	// KindCancelled means the caller went away or the turn was stopped.
	KindCancelled Kind = "cancelled"
)

// Fatal reports whether a failure of this kind terminates the stream.
func (k Kind) Fatal() bool {
	switch k {
	case KindEnrichmentFailed, KindPersistenceFailed, KindMalformedUpstreamChunk:
		return false
	default:
		return true
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first classified error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
