package httpx

import (
	"errors"
	"net/http"
)

// Sentinels handlers wrap so RespondError can pick a status.
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("temporarily unavailable")
)

// RespondError maps err to an RFC 7807 response. Unavailable and unknown
// errors get a fixed detail so file paths and driver messages stay in logs.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", "30")
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "catalog is temporarily unavailable")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
