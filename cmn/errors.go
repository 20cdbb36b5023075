// Package cmn provides types, error taxonomy, configuration, and other
// utilities shared across the page server core.
// This file implements the error taxonomy.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind is the error taxonomy as observable at the core's boundary.
type ErrKind uint8

const (
	ErrOther ErrKind = iota
	ErrNotFound
	ErrCancelled
	ErrTimeout
	ErrUnavailable
	ErrConflict
	ErrBadRequest
	ErrStaleGeneration
	ErrBroken
	ErrRemoteIO
)

func (k ErrKind) String() string {
	switch k {
	case ErrNotFound:
		return "NotFound"
	case ErrCancelled:
		return "Cancelled"
	case ErrTimeout:
		return "Timeout"
	case ErrUnavailable:
		return "Unavailable"
	case ErrConflict:
		return "Conflict"
	case ErrBadRequest:
		return "BadRequest"
	case ErrStaleGeneration:
		return "StaleGeneration"
	case ErrBroken:
		return "Broken"
	case ErrRemoteIO:
		return "RemoteIO"
	default:
		return "Other"
	}
}

// Error is the single implementation of the error taxonomy. Every error
// the core returns at a package boundary is (or wraps) one of these.
type Error struct {
	Kind ErrKind
	Msg  string
	Prev error
}

func NewError(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a causal error using github.com/pkg/errors so the full
// stack trace survives to the log line.
func (e *Error) Wrap(cause error) *Error {
	if cause == nil {
		return e
	}
	e.Prev = errors.WithStack(cause)
	return e
}

func (e *Error) Error() string {
	if e.Prev != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Prev)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Prev }

func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == o.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, else
// ErrOther.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrOther
}

func IsKind(err error, kind ErrKind) bool { return KindOf(err) == kind }

func IsNotFound(err error) bool   { return IsKind(err, ErrNotFound) }
func IsCancelled(err error) bool  { return IsKind(err, ErrCancelled) }
func IsTimeout(err error) bool    { return IsKind(err, ErrTimeout) }
func IsConflict(err error) bool   { return IsKind(err, ErrConflict) }
func IsRemoteIO(err error) bool   { return IsKind(err, ErrRemoteIO) }

// Retryable reports whether the upload queue scheduler's retry policy
// should retry indefinitely rather than give up.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrRemoteIO, ErrTimeout:
		return true
	case ErrCancelled:
		return false
	default:
		// Every other kind is unreachable from a remote-storage call by
		// construction; treat conservatively as non-retryable rather than
		// loop forever on a programming error.
		return false
	}
}

// HTTPStatus maps the taxonomy to status codes for a control-plane HTTP
// surface. No HTTP server is implemented here; this mapping is provided
// for callers that build one.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrNotFound:
		return 404
	case ErrConflict:
		return 409
	case ErrUnavailable:
		return 503
	case ErrBadRequest:
		return 400
	case ErrStaleGeneration:
		return 409
	case ErrBroken:
		return 503
	default:
		return 500
	}
}
