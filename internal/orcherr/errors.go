// Package orcherr defines the error taxonomy shared by every core
// component. Components wrap lower-level errors with a Kind so callers
// (the CLI, the HTTP server, the dispatch loop) can branch on failure
// class without parsing strings.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error without naming a concrete type.
type Kind string

const (
	NotFound            Kind = "not_found"
	InvalidState        Kind = "invalid_state"
	InvalidTransition   Kind = "invalid_transition"
	Timeout             Kind = "timeout"
	SpawnFailure        Kind = "spawn_failure"
	ParseFailure        Kind = "parse_failure"
	ResourceExhausted   Kind = "resource_exhausted"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Conflict            Kind = "conflict"
)

// Error is a kind-tagged error wrapping an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given kind and underlying cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps a Kind to the operator CLI's exit code scheme:
// 0 success, 1 general error, 2 invalid arguments, 3 not found, 4 validation.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case NotFound:
		return 3
	case InvalidState, InvalidTransition:
		return 4
	default:
		return 1
	}
}
