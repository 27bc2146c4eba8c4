package report

import (
	"errors"

	"citizen-report-coordinator/pkg/breaker"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("report was modified concurrently")
	ErrUnroutableReport  = errors.New("no routing rule matches report")
	ErrNotFound          = errors.New("report not found")
)

// IsTransient reports whether err is a "try again" condition rather than a
// permanent rejection.
func IsTransient(err error) bool {
	return errors.Is(err, breaker.ErrCircuitOpen) ||
		errors.Is(err, breaker.ErrTimeout) ||
		errors.Is(err, ErrConflict)
}
