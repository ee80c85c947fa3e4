package mixdown

import "fmt"

// Kind classifies mixdown failures. Every failure is fatal for that mixdown
// attempt; a wrong or partial artifact is never produced silently.
type Kind string

const (
	// KindEmptyInput: no eligible (non-muted) tracks. A defined error, not a
	// zero-length silent success.
	KindEmptyInput Kind = "empty_input"
	// KindDecodeFailed: one track's source could not be decoded; the whole
	// mixdown fails, no best-effort partial mix.
	KindDecodeFailed Kind = "decode_failed"
	// KindUnsupported: the request asked for an output format the engine
	// does not produce.
	KindUnsupported Kind = "unsupported"
	// KindCanceled: the caller canceled; decoding and mixing stopped without
	// returning a partial result.
	KindCanceled Kind = "canceled"
)

// Error is the mixdown error taxonomy, distinct from transport and
// validation errors elsewhere in the system.
type Error struct {
	Kind Kind
	Ref  string // offending audio source, when one is known
	Err  error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("mixdown %s (%s): %v", e.Kind, e.Ref, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("mixdown %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mixdown %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }
