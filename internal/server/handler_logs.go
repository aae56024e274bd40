package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleTaskLogs streams lines appended to a task's log from now on as
// Server-Sent Events, one "data:" record per line. A task without a log gets
// a single informational event and the stream closes.
// GET /api/v1/tasks/{id}/logs, GET /logs?task_id=
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get(queryLogsTaskID))
	}

	if id == "" {
		respondText(w, http.StatusBadRequest, "❌ task_id missing.")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	seq, err := s.tasks.TailTask(ctx, id)
	if err != nil {
		s.respondError(w, r, "tail task", err)
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		s.logger.Warn("sse not supported", "task_id", id, "err", err)
		return
	}

	// The tail blocks between polls, so it is drained in its own goroutine
	// and heartbeats are interleaved here.
	lines := make(chan string)

	go func() {
		defer close(lines)

		for line := range seq {
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case line, ok := <-lines:
			if !ok {
				return
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				s.logger.Debug("sse client disconnected", "task_id", id, "err", err)
				return
			}

			if err := rc.Flush(); err != nil {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				s.logger.Debug("sse client disconnected", "task_id", id, "err", err)
				return
			}

			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
