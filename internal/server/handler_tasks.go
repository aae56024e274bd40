package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nixpig/taskworker/internal/taskmanager"
)

// Form fields of a task creation request. The names match the original HTML
// form so existing clients keep working.
const (
	fieldTokenOption = "tokenOption"
	fieldSingleToken = "singleToken"
	fieldTokenFile   = "tokenFile"
	fieldTarget      = "threadId"
	fieldPrefix      = "kidx"
	fieldInterval    = "time"
	fieldMessages    = "txtFile"
	fieldStopTaskID  = "taskId"
	queryLogsTaskID  = "task_id"

	tokenOptionSingle = "single"
)

type createTaskResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
	LogsURL string `json:"logs_url"`
	ViewURL string `json:"view_url"`
}

// handleCreateTask starts a task from a multipart (or urlencoded) form.
// POST /api/v1/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil &&
		!errors.Is(err, http.ErrNotMultipart) {
		respondText(w, http.StatusBadRequest, "Error: invalid form: "+err.Error())
		return
	}

	params, err := paramsFromForm(r)
	if err != nil {
		s.respondError(w, r, "parse task form", err)
		return
	}

	id, err := s.tasks.CreateTask(params)
	if err != nil {
		s.respondError(w, r, "create task", err)
		return
	}

	respondJSON(w, http.StatusCreated, createTaskResponse{
		Status:  "success",
		TaskID:  id,
		Message: fmt.Sprintf("Task started successfully with ID: %s", id),
		LogsURL: "/api/v1/tasks/" + id + "/logs",
		ViewURL: viewLogsURL(id),
	})
}

// paramsFromForm reads task parameters from a parsed form. Missing optional
// uploads are left empty for Params.Validate to report.
func paramsFromForm(r *http.Request) (taskmanager.Params, error) {
	var (
		params taskmanager.Params
		err    error
	)

	if r.FormValue(fieldTokenOption) == tokenOptionSingle {
		if token := strings.TrimSpace(r.FormValue(fieldSingleToken)); token != "" {
			params.Credentials = []string{token}
		}
	} else {
		params.Credentials, err = readUpload(r, fieldTokenFile)
		if err != nil {
			return params, err
		}
	}

	params.Target = strings.TrimSpace(r.FormValue(fieldTarget))
	params.Prefix = strings.TrimSpace(r.FormValue(fieldPrefix))

	if raw := strings.TrimSpace(r.FormValue(fieldInterval)); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, taskmanager.ValidationError{
				Field:  "interval",
				Reason: "interval must be a whole number of seconds",
			}
		}

		params.Interval, err = taskmanager.IntervalFromSeconds(seconds)
		if err != nil {
			return params, err
		}
	}

	params.Messages, err = readUpload(r, fieldMessages)
	if err != nil {
		return params, err
	}

	return params, nil
}

// readUpload reads an uploaded file as one entry per line. A missing upload
// yields no entries.
func readUpload(r *http.Request, field string) ([]string, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}

	if err != nil {
		return nil, taskmanager.ValidationError{Field: field, Reason: err.Error()}
	}
	defer f.Close()

	lines, err := taskmanager.ReadLines(f)
	if err != nil {
		return nil, taskmanager.ValidationError{Field: field, Reason: err.Error()}
	}

	return lines, nil
}

// handleListTasks lists every known task and whether it is running.
// GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context())
	if err != nil {
		s.respondError(w, r, "list tasks", err)
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

// handleStopTask signals a task to stop.
// POST /api/v1/tasks/{id}/stop, POST /stop (form field taskId)
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = strings.TrimSpace(r.FormValue(fieldStopTaskID))
	}

	if id == "" {
		respondText(w, http.StatusBadRequest, "❌ task id missing.")
		return
	}

	if err := s.tasks.StopTask(id); err != nil {
		if errors.Is(err, taskmanager.ErrTaskNotFound) {
			respondText(w, http.StatusNotFound, fmt.Sprintf("❌ No task found with ID %s.", id))
			return
		}

		s.respondError(w, r, "stop task", err)
		return
	}

	respondText(
		w,
		http.StatusOK,
		fmt.Sprintf("✅ Task with ID %s has been stopped. Logs are still available.", id),
	)
}
