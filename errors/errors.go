// Package errors provides error handling for skein.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrJobNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Common sentinel errors for use across skein.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrJobNotFound indicates the requested job does not exist.
	// Callers must treat this as terminal, never as "still queued".
	ErrJobNotFound = New("job not found")

	// ErrJobNotReady indicates the job has not been flagged ready for aggregation
	ErrJobNotReady = New("job not ready for aggregates")

	// ErrInvalidTransition indicates a job state change that the state machine forbids
	ErrInvalidTransition = New("invalid job state transition")

	// ErrStaleUpdate indicates a progress update that would move processed_items backwards
	ErrStaleUpdate = New("stale job update")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a storage-level conflict (e.g. duplicate unique key at commit)
	ErrConflict = New("resource conflict")

	// ErrEntityTypeUnknown indicates an entity type with no registered schema descriptor
	ErrEntityTypeUnknown = New("unknown entity type")
)

// IsJobNotFound checks if an error is or wraps ErrJobNotFound
func IsJobNotFound(err error) bool {
	return err != nil && Is(err, ErrJobNotFound)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewJobNotFound creates a job-not-found error carrying the job id
func NewJobNotFound(jobID string) error {
	return Wrapf(ErrJobNotFound, "job %s", jobID)
}
