package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/market"
	"github.com/tunevest/ledger-engine/internal/store"
)

// statusFor maps domain errors to HTTP status codes. The message is safe
// to show the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrLockTimeout):
		return http.StatusServiceUnavailable, "the ledger is busy, try again"

	case errors.Is(err, ledger.ErrTrackNotFound),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrAlertNotFound),
		errors.Is(err, ledger.ErrUnknownReference),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, ledger.ErrNotOwner):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, ledger.ErrAlreadyProcessed),
		errors.Is(err, ledger.ErrAlreadyFilled),
		errors.Is(err, ledger.ErrAlreadyCancelled),
		errors.Is(err, ledger.ErrExpiredIntent),
		errors.Is(err, ledger.ErrOrderExpired),
		errors.Is(err, ledger.ErrKeyConflict),
		errors.Is(err, market.ErrDuplicateISRC),
		errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict, err.Error()

	case ledger.IsBusinessRule(err),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, market.ErrInvalidISRC):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// writeFailure maps err and writes it. Unexpected errors are logged with
// the request path; their text never reaches the client.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
