package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON rejects unknown fields so typos in payloads surface as 400.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor translates domain sentinel errors to HTTP status codes and the
// message safe to show the caller. All mapping lives here so individual
// handlers stay concise.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNoChannelsAvailable):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrInactiveAccount):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrNotClickable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "shared store unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func mapError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	respondError(w, status, msg)
}
