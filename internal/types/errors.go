package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime errors into the categories the agent loop
// knows how to react to. Kinds are stable strings so they can travel
// through JSON envelopes and tool results.
type ErrorKind string

const (
	// KindBadInput means the request shape or content was rejected before
	// any side effect occurred.
	KindBadInput ErrorKind = "bad_input"

	// KindNotPermitted means a command/module was not on an allow-list or
	// an auth check failed.
	KindNotPermitted ErrorKind = "not_permitted"

	// KindNotFound means a retrieve/delete targeted a missing FileRef or
	// unknown chunk. Non-fatal to callers.
	KindNotFound ErrorKind = "not_found"

	// KindPathViolation means an attempted traversal or symlink escape.
	KindPathViolation ErrorKind = "path_violation"

	// KindSizeExceeded means a blob was too big for its category, or total
	// storage went over the hard cap.
	KindSizeExceeded ErrorKind = "size_exceeded"

	// KindTimeout means a sandbox or LLM call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled means ambient cancellation was observed.
	KindCancelled ErrorKind = "cancelled"

	// KindDegraded means the operation succeeded with reduced quality
	// (e.g. FTS-only when hybrid was requested). Not an error to the user.
	KindDegraded ErrorKind = "degraded"

	// KindInternal means something unexpected happened.
	KindInternal ErrorKind = "internal"
)

// Error carries an ErrorKind alongside a message and optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error with a formatted message.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind to an underlying error.
func WrapErr(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Returns KindInternal for unclassified errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
