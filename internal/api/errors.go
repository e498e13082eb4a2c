package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/akmatori/alertflow/internal/database"
)

// Machine-readable error codes
const (
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeMalformed         = "malformed"
	CodeEscalationCap     = "escalation_cap"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInternal          = "internal_error"
)

// StatusFor maps the shared error taxonomy to an HTTP status and code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, database.ErrEscalationCap):
		return http.StatusConflict, CodeEscalationCap
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, database.ErrMalformed):
		return http.StatusUnprocessableEntity, CodeMalformed
	case errors.Is(err, database.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondServiceError writes err using the status StatusFor assigns.
// Store outages and unexpected errors are logged and not echoed to the client.
func RespondServiceError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		log.Printf("Warning: API: %v", err)
		w.Header().Set("Retry-After", "5")
		message = "store unavailable, retry later"
	case http.StatusInternalServerError:
		log.Printf("API: unexpected error: %v", err)
		message = "internal error"
	}
	RespondErrorWithCode(w, status, code, message)
}
