// Package errors provides error handling for the integrator.
//
// It re-exports github.com/cockroachdb/errors so every package wraps and
// inspects errors the same way, and adds the coded error taxonomy used to
// classify run failures (see codes.go).
//
//	if err := repo.GetRun(ctx, id); err != nil {
//	    return errors.Wrapf(err, "load run %s", id)
//	}
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
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinels shared by the stores and services.
var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = New("not found")

	// ErrConflict indicates a uniqueness constraint rejected a write.
	ErrConflict = New("conflict")

	// ErrInvalidTransition indicates a run state transition whose
	// precondition does not hold.
	ErrInvalidTransition = New("invalid state transition")

	// ErrStale indicates an optimistic update lost a race, or an adapter
	// handle was invalidated and the operation may be retried.
	ErrStale = New("stale")
)
