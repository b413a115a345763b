package model

import "errors"

// Sentinel errors surfaced across tier boundaries so callers can use
// errors.Is instead of string matching.
var (
	// ErrCapacityExceeded is returned when a tier is asked to accept a
	// write past its configured hard bound outside of the normal
	// overflow-policy path (e.g. a direct insert bypassing the manager).
	ErrCapacityExceeded = errors.New("mnemos: capacity exceeded")

	// ErrUnknownTargetID is returned internally when a MERGE/UPDATE
	// decision or a graph-edit op references an id that does not exist;
	// callers fall back to CREATE_NEW / drop-and-continue per spec.
	ErrUnknownTargetID = errors.New("mnemos: unknown target id")

	// ErrAlreadyRunning / ErrNotRunning guard the coordinator's
	// init -> run -> shutdown lifecycle (SPEC_FULL.md §9).
	ErrAlreadyRunning = errors.New("mnemos: coordinator already running")
	ErrNotRunning     = errors.New("mnemos: coordinator not running")

	// ErrShutdown is returned by in-flight operations that observe
	// cancellation during a shutdown sequence.
	ErrShutdown = errors.New("mnemos: shutting down")

	// ErrValidation is wrapped around parameter-validation failures,
	// which fail fast with no retry per the error handling table.
	ErrValidation = errors.New("mnemos: invalid parameter")
)
