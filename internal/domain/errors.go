package domain

import "errors"

// Sentinel errors shared across packages. Wrap them with fmt.Errorf("...: %w", err).
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrEngineUnavailable = errors.New("detection engine unavailable")
)
