// Package apperr holds the sentinel errors shared across timesnap layers.
// Callers match them with errors.Is; producers wrap them with context.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid input")
	ErrLocked   = errors.New("capsule is locked")
	ErrIO       = errors.New("storage i/o failure")
	ErrDecode   = errors.New("decode failure")

	// ErrNotPersisted marks a mutation that was applied in memory but
	// could not be written to the durable slot.
	ErrNotPersisted = errors.New("mutation accepted but not durably saved")
)
