// Package ferrors implements the fleet control plane's error taxonomy and
// its mapping onto the stable CLI exit-code contract. Components return
// sentinel-wrapped *Error values instead of ad-hoc errors so callers can
// branch with errors.Is/errors.As and so "foreman" can report a consistent
// exit code no matter which component produced the failure.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's error classes.
type Kind int

const (
	// InvalidInput covers bad arguments, unknown agent types, malformed
	// patterns.
	InvalidInput Kind = iota
	// NotFound covers missing agents, beads, swarms, reservations.
	NotFound
	// TransientExternal covers bead store, mail service, or multiplexer
	// outages that are worth retrying.
	TransientExternal
	// Conflict covers cross-agent and self reservation conflicts.
	Conflict
	// Stale covers PID, identity, or tracking-file staleness.
	Stale
	// PolicyExceeded covers MAX_AGENTS and similar caps.
	PolicyExceeded
	// Partial covers broadcasts where some but not all recipients failed.
	Partial
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case TransientExternal:
		return "transient_external"
	case Conflict:
		return "conflict"
	case Stale:
		return "stale"
	case PolicyExceeded:
		return "policy_exceeded"
	case Partial:
		return "partial"
	default:
		return "unknown"
	}
}

// ConflictClass distinguishes the two reservation conflict exit codes.
type ConflictClass int

const (
	// NoConflict is the zero value for errors of a Kind other than Conflict.
	NoConflict ConflictClass = iota
	// CrossAgentConflict is a conflict against another agent's reservation.
	CrossAgentConflict
	// SelfConflict is a conflict against the caller's own reservation.
	SelfConflict
)

// Error is the taxonomy's concrete error type. It wraps an optional cause so
// errors.Is/errors.As still see through to lower-level errors.
type Error struct {
	Kind     Kind
	Class    ConflictClass // only meaningful when Kind == Conflict
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, ferrors.InvalidInput) style checks by comparing
// against the Kind sentinels below.
func (e *Error) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

// Sentinels usable with errors.Is(err, ferrors.ErrNotFound) etc.
var (
	ErrInvalidInput      = kindSentinel(InvalidInput)
	ErrNotFound          = kindSentinel(NotFound)
	ErrTransientExternal = kindSentinel(TransientExternal)
	ErrConflict          = kindSentinel(Conflict)
	ErrStale             = kindSentinel(Stale)
	ErrPolicyExceeded    = kindSentinel(PolicyExceeded)
	ErrPartial           = kindSentinel(Partial)
)

func (k kindSentinel) Error() string { return Kind(k).String() }

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an *Error with printf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewConflict creates a Conflict error of the given class.
func NewConflict(class ConflictClass, message string) *Error {
	return &Error{Kind: Conflict, Class: class, Message: message}
}

// ExitCode maps an error onto the stable CLI exit-code contract:
// 0 success, 1 general, 5 cross-agent conflict, 6 self-conflict.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind == Conflict {
			switch fe.Class {
			case CrossAgentConflict:
				return 5
			case SelfConflict:
				return 6
			}
		}
	}
	return 1
}

// KindOf extracts the Kind from err, defaulting to InvalidInput's zero value
// only when err genuinely carries no *Error — callers should check err !=
// nil first.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
