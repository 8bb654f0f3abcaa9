package symbiont

import "fmt"

// ErrorKind is the engine's explicit error taxonomy. Every failure the
// engine surfaces is one of these values; none of them is used for
// control flow inside the numeric updates, which saturate at their
// bounds instead of erroring.
type ErrorKind int

const (
	// KindInvalidSignature — drop message, no state change.
	KindInvalidSignature ErrorKind = iota
	// KindMissingCapability — hand-off rejection; originator re-routes.
	KindMissingCapability
	// KindOverloaded — hand-off rejection; originator re-routes.
	KindOverloaded
	// KindTimeout — deadline expiry; workflow steps may retry.
	KindTimeout
	// KindNoCandidates — routing found nothing viable.
	KindNoCandidates
	// KindInvalidTransition — guarded state transition requested;
	// recorded and suppressed.
	KindInvalidTransition
	// KindRejected — feedback/affirmation failed an integrity check;
	// the record is dropped; no tally is kept against the sender.
	KindRejected
	// KindFatal — arithmetic invariant violated; should be unreachable
	// given the arithmetic clamps.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidSignature:
		return "invalid_signature"
	case KindMissingCapability:
		return "missing_capability"
	case KindOverloaded:
		return "overloaded"
	case KindTimeout:
		return "timeout"
	case KindNoCandidates:
		return "no_candidates"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the engine's typed error value. It wraps an optional cause
// so callers can use errors.Is/errors.As across package boundaries
// while switching on Kind for policy decisions.
type Error struct {
	Kind   ErrorKind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("symbiont: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("symbiont: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes two *Error values match under errors.Is when their Kinds
// agree, so sentinel-style comparisons against NewError(kind, "") work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a typed engine error.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) an *Error;
// ok is false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
