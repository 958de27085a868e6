package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/internal/scheduler"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/internal/workpool"
)

// writeError maps scheduler and store errors onto the API error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, scheduler.ErrNoCurrentJob):
		response.Error(w, http.StatusConflict, "NO_CURRENT_JOB", "Board has no current job", nil)
	case errors.Is(err, scheduler.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, scheduler.ErrInvalidDefinition), errors.Is(err, scheduler.ErrNoTarget):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrConnectionLost):
		response.Error(w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE",
			"Database connection lost, retry shortly", nil)
	case errors.Is(err, workpool.ErrClosed):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"Server is shutting down", nil)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		slog.Debug("request canceled", "path", r.URL.Path)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
