package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nixpig/taskworker/internal/taskmanager"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(msg + "\n"))
}

// respondError translates taskmanager errors to HTTP responses.
func (s *Server) respondError(
	w http.ResponseWriter,
	r *http.Request,
	logMsg string,
	err error,
) {
	reqID := RequestIDFromContext(r.Context())

	switch {
	case errors.As(err, new(taskmanager.ValidationError)):
		s.logger.Warn(logMsg, "err", err, "request_id", reqID)
		respondText(w, http.StatusBadRequest, "Error: "+err.Error())

	case errors.Is(err, taskmanager.ErrTaskNotFound):
		s.logger.Warn(logMsg, "err", err, "request_id", reqID)
		respondText(w, http.StatusNotFound, "Error: "+err.Error())

	default:
		s.logger.Error(logMsg, "err", err, "request_id", reqID)
		respondText(w, http.StatusInternalServerError, "Error: internal server error")
	}
}
