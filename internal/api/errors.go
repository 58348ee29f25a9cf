package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tradearena/internal/auth"
	"tradearena/internal/contest"
	"tradearena/internal/portfolio"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps domain errors to HTTP statuses. Anything unmapped is
// an internal error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, contest.ErrConflict), errors.Is(err, portfolio.ErrContestNotRunning):
		return http.StatusConflict
	case errors.Is(err, portfolio.ErrInvalidQuantity),
		errors.Is(err, portfolio.ErrNoPrice),
		errors.Is(err, portfolio.ErrInsufficientCash),
		errors.Is(err, portfolio.ErrInsufficientHoldings),
		errors.Is(err, portfolio.ErrNoShorts):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error with its mapped status. Internal errors are
// logged and the response body carries a generic message instead.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}
