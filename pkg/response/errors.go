package response

import (
	"errors"
	"net/http"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/report"
)

// DomainError writes err with a status code and reason specific to its kind.
// Permanent rejections and transient "try again" failures never share a code.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, report.ErrNotFound):
		Error(w, http.StatusNotFound, "Report not found", err.Error())
	case errors.Is(err, report.ErrInvalidTransition):
		Error(w, http.StatusUnprocessableEntity, "Status change not allowed", err.Error())
	case errors.Is(err, report.ErrUnroutableReport):
		Error(w, http.StatusUnprocessableEntity, "Report cannot be routed automatically", err.Error())
	case errors.Is(err, report.ErrConflict):
		Retry(w, http.StatusConflict, "Report was updated by someone else, reload and try again", err.Error(), "")
	case errors.Is(err, breaker.ErrCircuitOpen), errors.Is(err, breaker.ErrTimeout):
		Retry(w, http.StatusServiceUnavailable, "Service temporarily unavailable, try again", err.Error(), "30")
	default:
		Error(w, http.StatusInternalServerError, "Internal error", err.Error())
	}
}
