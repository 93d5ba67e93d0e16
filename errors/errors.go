// Package errors provides structured error types for the wallet sync engine.
//
// Errors carry an operation, a component, and a Kind discriminator so that
// callers can classify failures (transient vs. conflict vs. fatal) without
// inspecting error message text.
package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions in the queue processor.
type Kind uint8

const (
	// KindOther is the zero value; unclassified errors.
	KindOther Kind = iota

	// KindTransient marks network/server hiccups that are expected to
	// succeed on retry.
	KindTransient

	// KindUnavailable marks infrastructure failures (e.g. the persistence
	// layer itself) that abort an entire sync run.
	KindUnavailable

	// KindInvalid marks requests the server rejected as malformed;
	// retrying will not help.
	KindInvalid

	// KindUnauthorized marks authentication/authorization failures.
	KindUnauthorized

	// KindNotFound marks a missing remote entity.
	KindNotFound

	// KindVersionConflict marks a version mismatch between the local
	// replay and the server's current state.
	KindVersionConflict

	// KindContentConflict marks divergent content for the same version.
	KindContentConflict

	// KindDeletionConflict marks a replay against an entity that was
	// deleted on the server.
	KindDeletionConflict

	// KindConflict marks a conflict whose exact nature the transport
	// could not determine. Resolvers should escalate these.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindVersionConflict:
		return "version_conflict"
	case KindContentConflict:
		return "content_conflict"
	case KindDeletionConflict:
		return "deletion_conflict"
	case KindConflict:
		return "conflict"
	default:
		return "other"
	}
}

// Conflict reports whether the kind represents local/remote divergence that
// retry alone cannot fix.
func (k Kind) Conflict() bool {
	switch k {
	case KindVersionConflict, KindContentConflict, KindDeletionConflict, KindConflict:
		return true
	}
	return false
}

// Retryable reports whether an operation failing with this kind may succeed
// on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUnavailable
}

// Op describes the operation during which the error occurred,
// e.g. "queue.Enqueue" or "client.Execute".
type Op string

// Component names the subsystem that produced the error,
// e.g. "queue", "processor", "transport/ws".
type Component string

// SyncError is the structured error used throughout the engine.
type SyncError struct {
	Op        Op
	Component Component
	Kind      Kind
	Err       error

	// Remote carries the server's copy of a conflicting entity when the
	// transport surfaced one. Best effort; may be nil.
	Remote json.RawMessage

	// Metadata for additional context.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var b bytes.Buffer
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "[%s]", e.Component)
	}
	if e.Kind != KindOther {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "(%s)", e.Kind)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "sync error"
	}
	return b.String()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from its arguments. Arguments may appear in any
// order; a string given after an error wraps it with context.
//
// Accepted types:
//
//	Op, Component, Kind    — set the corresponding field
//	*SyncError             — wrapped cause; Kind and Remote are inherited
//	error                  — the underlying cause
//	string                 — converted to an error via errors.New
//	json.RawMessage        — the remote entity payload
//	map[string]interface{} — metadata
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *SyncError:
			e.Err = a
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			if e.Remote == nil {
				e.Remote = a.Remote
			}
		case json.RawMessage:
			e.Remote = a
		case map[string]interface{}:
			e.Metadata = a
		case error:
			e.Err = a
		case string:
			if e.Err != nil {
				e.Err = fmt.Errorf("%s: %w", a, e.Err)
			} else {
				e.Err = errors.New(a)
			}
		}
	}
	return e
}

// KindOf returns the Kind of err, unwrapping as needed.
// Non-SyncError values report KindOther.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool {
	return KindOf(err).Conflict()
}

// RemoteOf returns the remote payload attached to err, if any.
func RemoteOf(err error) json.RawMessage {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Remote
	}
	return nil
}
