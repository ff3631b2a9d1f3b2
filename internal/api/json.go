package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/repository"
)

// Warning headers set when a mutation succeeded only partially.
const (
	headerPersistWarning = "X-Persist-Warning"
	headerCleanupWarning = "X-Cleanup-Warning"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps domain sentinels to status codes. Anything unmapped is
// logged and reported as an internal error.
func writeError(w http.ResponseWriter, op string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request too large"))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrLocked):
		writeJSON(w, http.StatusForbidden, errorBody("capsule is locked"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// splitWarnings separates persistence and cleanup warnings from a hard
// failure. hard is nil when err only carries warnings.
func splitWarnings(w http.ResponseWriter, err error) (hard error) {
	if err == nil {
		return nil
	}
	warned := false
	if errors.Is(err, apperr.ErrNotPersisted) {
		w.Header().Set(headerPersistWarning, "change kept in memory but not saved")
		warned = true
	}
	var cleanup *repository.CleanupError
	if errors.As(err, &cleanup) {
		w.Header().Set(headerCleanupWarning, "some media files could not be deleted")
		warned = true
	}
	if warned {
		slog.Warn("mutation completed with warnings", slog.String("error", err.Error()))
		return nil
	}
	return err
}

func persistWarning(err error) string {
	if errors.Is(err, apperr.ErrNotPersisted) {
		return err.Error()
	}
	return ""
}
