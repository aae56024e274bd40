package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/taskworker/internal/server"
	"github.com/nixpig/taskworker/internal/stats"
	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

func newTestServer(t *testing.T, opts ...server.Option) (*server.Server, *taskmanager.Manager) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	sink := stats.NewSink(stats.WithHost(nil))

	m := taskmanager.NewManager(
		logstore.NewMemoryStore(),
		taskmanager.ActionFunc(func(ctx context.Context, credential, target, message string) error {
			return nil
		}),
		sink,
		logger,
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		m.Shutdown(ctx)
	})

	return server.New(m, sink, logger, opts...), m
}

type upload struct {
	name    string
	content string
}

// taskForm builds a multipart task creation body.
func taskForm(t *testing.T, fields map[string]string, files map[string]upload) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field '%s': '%v'", k, err)
		}
	}

	for field, f := range files {
		fw, err := mw.CreateFormFile(field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file '%s': '%v'", field, err)
		}

		fw.Write([]byte(f.content))
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: '%v'", err)
	}

	return body, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"tokenOption": "single",
		"singleToken": "EAAB1234567890",
		"threadId":    "1234",
		"kidx":        "hello",
		"time":        "1",
	}
}

func validFiles() map[string]upload {
	return map[string]upload{
		"txtFile": {name: "messages.txt", content: "one\ntwo\n"},
	}
}

func createTask(t *testing.T, srv http.Handler) string {
	t.Helper()

	body, contentType := taskForm(t, validFields(), validFiles())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected created status: got '%d', want '%d' (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var resp struct {
		Status  string `json:"status"`
		TaskID  string `json:"task_id"`
		Message string `json:"message"`
		LogsURL string `json:"logs_url"`
		ViewURL string `json:"view_url"`
	}

	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if resp.Status != "success" {
		t.Errorf("expected status: got '%s', want 'success'", resp.Status)
	}

	if resp.Message != "Task started successfully with ID: "+resp.TaskID {
		t.Errorf("expected message: got '%s'", resp.Message)
	}

	if resp.LogsURL != "/api/v1/tasks/"+resp.TaskID+"/logs" {
		t.Errorf("expected logs url: got '%s'", resp.LogsURL)
	}

	if resp.ViewURL != "/view-logs?task_id="+resp.TaskID {
		t.Errorf("expected view url: got '%s'", resp.ViewURL)
	}

	return resp.TaskID
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	t.Run("Test valid single token", func(t *testing.T) {
		t.Parallel()

		srv, m := newTestServer(t)
		id := createTask(t, srv)

		if !taskmanager.ValidTaskID(id) {
			t.Errorf("expected valid task id: got '%s'", id)
		}

		if _, err := m.Done(id); err != nil {
			t.Errorf("expected task to be registered: got '%v'", err)
		}
	})

	t.Run("Test token file", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)

		fields := validFields()
		fields["tokenOption"] = "multiple"
		delete(fields, "singleToken")

		files := validFiles()
		files["tokenFile"] = upload{name: "tokens.txt", content: "tok-a\n\ntok-b\n"}

		body, contentType := taskForm(t, fields, files)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Errorf("expected created status: got '%d', want '%d'", rec.Code, http.StatusCreated)
		}
	})

	scenarios := map[string]struct {
		mutate func(fields map[string]string, files map[string]upload)
		field  string
	}{
		"missing credential": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				delete(fields, "singleToken")
			},
			field: "credentials",
		},
		"missing target": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				delete(fields, "threadId")
			},
			field: "target",
		},
		"missing prefix": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				fields["kidx"] = "   "
			},
			field: "prefix",
		},
		"non-numeric interval": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				fields["time"] = "soon"
			},
			field: "interval",
		},
		"zero interval": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				fields["time"] = "0"
			},
			field: "interval",
		},
		"overflowing interval": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				fields["time"] = "18446744075"
			},
			field: "interval",
		},
		"negative interval": {
			mutate: func(fields map[string]string, _ map[string]upload) {
				fields["time"] = "-5"
			},
			field: "interval",
		},
		"missing messages": {
			mutate: func(_ map[string]string, files map[string]upload) {
				delete(files, "txtFile")
			},
			field: "messages",
		},
		"blank messages": {
			mutate: func(_ map[string]string, files map[string]upload) {
				files["txtFile"] = upload{name: "messages.txt", content: "\n  \n"}
			},
			field: "messages",
		},
	}

	for scenario, config := range scenarios {
		t.Run("Test "+scenario, func(t *testing.T) {
			t.Parallel()

			srv, m := newTestServer(t)

			fields, files := validFields(), validFiles()
			config.mutate(fields, files)

			body, contentType := taskForm(t, fields, files)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected bad request: got '%d', want '%d'", rec.Code, http.StatusBadRequest)
			}

			if !strings.HasPrefix(rec.Body.String(), "Error: invalid "+config.field) {
				t.Errorf("expected error naming '%s': got '%s'", config.field, rec.Body.String())
			}

			tasks, err := m.ListTasks(context.Background())
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if len(tasks) != 0 {
				t.Errorf("expected no task to be created: got '%v'", tasks)
			}
		})
	}
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	first := createTask(t, srv)
	second := createTask(t, srv)

	for _, path := range []string{"/api/v1/tasks", "/api/tasks"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected ok status for '%s': got '%d'", path, rec.Code)
		}

		var tasks []struct {
			ID      string `json:"task_id"`
			Running bool   `json:"running"`
		}

		if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		seen := map[string]bool{}
		for _, task := range tasks {
			seen[task.ID] = task.Running
		}

		if running, ok := seen[first]; !ok || !running {
			t.Errorf("expected '%s' to be listed as running: got '%v'", first, tasks)
		}

		if running, ok := seen[second]; !ok || !running {
			t.Errorf("expected '%s' to be listed as running: got '%v'", second, tasks)
		}
	}
}

func TestStopTask(t *testing.T) {
	t.Parallel()

	t.Run("Test stop by path", func(t *testing.T) {
		t.Parallel()

		srv, m := newTestServer(t)
		id := createTask(t, srv)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+id+"/stop", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected ok status: got '%d', want '%d'", rec.Code, http.StatusOK)
		}

		want := "✅ Task with ID " + id + " has been stopped. Logs are still available.\n"
		if rec.Body.String() != want {
			t.Errorf("expected body: got '%s', want '%s'", rec.Body.String(), want)
		}

		done, err := m.Done(id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("expected task to exit after stop")
		}
	})

	t.Run("Test legacy stop form", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)
		id := createTask(t, srv)

		form := url.Values{"taskId": {id}}

		req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected ok status: got '%d', want '%d'", rec.Code, http.StatusOK)
		}
	})

	t.Run("Test unknown task", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/Zz000000/stop", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected not found status: got '%d', want '%d'", rec.Code, http.StatusNotFound)
		}

		want := "❌ No task found with ID Zz000000.\n"
		if rec.Body.String() != want {
			t.Errorf("expected body: got '%s', want '%s'", rec.Body.String(), want)
		}
	})

	t.Run("Test missing task id", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/stop", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected bad request status: got '%d', want '%d'", rec.Code, http.StatusBadRequest)
		}
	})
}

// fakeTasks serves a fixed log to TailTask and fails everything else.
type fakeTasks struct {
	server.Tasks
	tail func(ctx context.Context) iter.Seq[string]
}

func (f *fakeTasks) TailTask(ctx context.Context, id string) (iter.Seq[string], error) {
	return f.tail(ctx), nil
}

// readEvents reads SSE records from body until want data lines or comments
// have been seen.
func readEvents(t *testing.T, body *bufio.Reader, want int) []string {
	t.Helper()

	var events []string

	for len(events) < want {
		line, err := body.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read event after '%v': '%v'", events, err)
		}

		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}

		events = append(events, line)
	}

	return events
}

func TestTaskLogs(t *testing.T) {
	t.Parallel()

	t.Run("Test streams lines as events", func(t *testing.T) {
		t.Parallel()

		tasks := &fakeTasks{
			tail: func(ctx context.Context) iter.Seq[string] {
				return func(yield func(string) bool) {
					for _, l := range []string{"first", "second", "third"} {
						if !yield(l) {
							return
						}
					}
				}
			},
		}

		srv := httptest.NewServer(
			server.New(tasks, stats.NewSink(stats.WithHost(nil)), slog.New(slog.DiscardHandler)),
		)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/v1/tasks/Ab12Cd34/logs")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("expected content type: got '%s', want 'text/event-stream'", ct)
		}

		events := readEvents(t, bufio.NewReader(resp.Body), 3)
		want := []string{"data: first", "data: second", "data: third"}

		for i := range want {
			if events[i] != want[i] {
				t.Errorf("expected event %d: got '%s', want '%s'", i, events[i], want[i])
			}
		}
	})

	t.Run("Test heartbeat while idle", func(t *testing.T) {
		t.Parallel()

		tasks := &fakeTasks{
			tail: func(ctx context.Context) iter.Seq[string] {
				return func(yield func(string) bool) {
					<-ctx.Done()
				}
			},
		}

		srv := httptest.NewServer(
			server.New(
				tasks,
				stats.NewSink(stats.WithHost(nil)),
				slog.New(slog.DiscardHandler),
				server.WithHeartbeat(10*time.Millisecond),
			),
		)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/logs?task_id=Ab12Cd34")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer resp.Body.Close()

		events := readEvents(t, bufio.NewReader(resp.Body), 2)

		for _, e := range events {
			if e != ": heartbeat" {
				t.Errorf("expected heartbeat comment: got '%s'", e)
			}
		}
	})

	t.Run("Test unknown task", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)

		srv := httptest.NewServer(s)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/v1/tasks/Zz000000/logs")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer resp.Body.Close()

		events := readEvents(t, bufio.NewReader(resp.Body), 1)

		if events[0] != "data: "+logstore.NoLogsLine {
			t.Errorf("expected no logs event: got '%s', want '%s'", events[0], "data: "+logstore.NoLogsLine)
		}
	})

	scenarios := map[string]string{
		"missing task id":   "/logs",
		"malformed task id": "/logs?task_id=../../etc",
	}

	for scenario, path := range scenarios {
		t.Run("Test "+scenario, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(t)

			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected bad request status: got '%d', want '%d'", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	srv, m := newTestServer(t)
	id := createTask(t, srv)

	// Wait for the first attempt to be recorded.
	deadline := time.Now().Add(5 * time.Second)

	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected ok status: got '%d'", rec.Code)
		}

		var resp struct {
			Stats struct {
				Attempts int64 `json:"attempts"`
				Errors   int64 `json:"errors"`
			} `json:"stats"`
			Uptime      string `json:"uptime"`
			CurrentTime string `json:"current_time"`
		}

		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if resp.Uptime == "" || resp.CurrentTime == "" {
			t.Errorf("expected uptime and current time: got '%+v'", resp)
		}

		if resp.Stats.Attempts > 0 {
			if resp.Stats.Errors != 0 {
				t.Errorf("expected no errors: got '%d'", resp.Stats.Errors)
			}

			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("expected attempts to be recorded for '%s'", id)
		}

		time.Sleep(10 * time.Millisecond)
	}

	m.StopTask(id)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, server.WithVersion("1.2.3"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected ok status: got '%d'", rec.Code)
	}

	if rec.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected request id header")
	}

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if resp.Status != "healthy" || resp.Version != "1.2.3" {
		t.Errorf("expected healthy 1.2.3: got '%+v'", resp)
	}
}

func TestViewLogs(t *testing.T) {
	t.Parallel()

	t.Run("Test page follows the log stream", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodGet, "/view-logs?task_id=ABCD1234", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected ok status: got '%d', want '%d'", rec.Code, http.StatusOK)
		}

		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("expected html content type: got '%s'", ct)
		}

		body := rec.Body.String()

		if !strings.Contains(body, "Live Logs for Task ID: ABCD1234") {
			t.Errorf("expected heading with task id: got '%s'", body)
		}

		// Title, heading and stream url.
		if !strings.Contains(body, "EventSource(") || strings.Count(body, "ABCD1234") != 3 {
			t.Errorf("expected page to subscribe to the log stream: got '%s'", body)
		}
	})

	scenarios := map[string]string{
		"missing task id":   "/view-logs",
		"malformed task id": "/view-logs?task_id=" + url.QueryEscape("<script>x</script>"),
	}

	for scenario, path := range scenarios {
		t.Run("Test "+scenario, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(t)

			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected bad request: got '%d', want '%d'", rec.Code, http.StatusBadRequest)
			}

			if strings.Contains(rec.Body.String(), "<script>") {
				t.Errorf("expected no markup echoed back: got '%s'", rec.Body.String())
			}
		})
	}
}
