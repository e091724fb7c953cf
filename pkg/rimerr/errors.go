// Package rimerr defines the error taxonomy shared by every layer of the
// slot engine, so callers can decide whether to retry, try another source,
// or surface a client-facing status without string-matching error text.
package rimerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the engine's operators reason about it:
// is it retryable, does it map to a specific client status, does it demote
// a source. See spec §7 for the authoritative table.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindDeleted              Kind = "deleted"
	KindPartNotFound         Kind = "part_not_found"
	KindHashMismatch         Kind = "hash_mismatch"
	KindInsufficientReplicas Kind = "insufficient_replicas"
	KindTwoPhaseCommit       Kind = "two_phase_commit"
	KindTransport            Kind = "transport"
	KindStorage              Kind = "storage"
	KindConfig               Kind = "config"
	KindBootstrap            Kind = "bootstrap"
)

// Error wraps an underlying cause with a Kind so it can be classified at any
// operation boundary without inspecting message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Of returns the Kind attached to err, if any, and whether one was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// Retryable reports whether the spec's error table marks this Kind as
// retryable by the caller (possibly via a different path/source).
func Retryable(kind Kind) bool {
	switch kind {
	case KindPartNotFound, KindHashMismatch, KindInsufficientReplicas, KindTwoPhaseCommit, KindTransport:
		return true
	default:
		return false
	}
}
