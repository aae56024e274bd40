package taskmanager_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

func newTestManager(t *testing.T) (*taskmanager.Manager, *fakeAction, string) {
	t.Helper()

	store, dir := newTestFileStore(t)
	action := &fakeAction{}

	m := taskmanager.NewManager(
		store,
		action,
		&fakeStats{},
		slog.New(slog.DiscardHandler),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		m.Shutdown(ctx)
	})

	return m, action, dir
}

func createTestTask(t *testing.T, m *taskmanager.Manager) string {
	t.Helper()

	id, err := m.CreateTask(validParams())
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if !taskmanager.ValidTaskID(id) {
		t.Errorf("expected valid task id: got '%s'", id)
	}

	return id
}

func findTask(
	t *testing.T,
	m *taskmanager.Manager,
	id string,
) (taskmanager.TaskInfo, bool) {
	t.Helper()

	tasks, err := m.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	for _, task := range tasks {
		if task.ID == id {
			return task, true
		}
	}

	return taskmanager.TaskInfo{}, false
}

func waitDone(t *testing.T, m *taskmanager.Manager, id string) {
	t.Helper()

	done, err := m.Done(id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected task '%s' to stop", id)
	}
}

func TestManager(t *testing.T) {
	t.Parallel()

	t.Run("Test created task is listed as running", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		id := createTestTask(t, m)

		task, ok := findTask(t, m, id)
		if !ok {
			t.Fatalf("expected task '%s' to be listed", id)
		}

		if !task.Running {
			t.Errorf("expected task to be running")
		}
	})

	t.Run("Test stop task", func(t *testing.T) {
		t.Parallel()

		m, _, dir := newTestManager(t)

		id := createTestTask(t, m)

		if err := m.StopTask(id); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		waitDone(t, m, id)

		task, ok := findTask(t, m, id)
		if !ok {
			t.Fatalf("expected stopped task '%s' to stay listed", id)
		}

		if task.Running {
			t.Errorf("expected task not to be running")
		}

		if task.State != taskmanager.TaskStateStopped {
			t.Errorf("expected state: got '%s', want '%s'", task.State, taskmanager.TaskStateStopped)
		}

		// Stopping again is harmless.
		if err := m.StopTask(id); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		lines := readLog(t, dir, id)

		if !strings.HasPrefix(lines[0], "🚀 Task "+id+" started") {
			t.Errorf("expected start line: got '%s'", lines[0])
		}

		if !strings.HasPrefix(lines[len(lines)-1], "🛑 Task "+id+" stopped") {
			t.Errorf("expected stop line: got '%s'", lines[len(lines)-1])
		}
	})

	t.Run("Test stop unknown task", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		if err := m.StopTask("Unknown1"); !errors.Is(err, taskmanager.ErrTaskNotFound) {
			t.Errorf("expected to receive ErrTaskNotFound: got '%v'", err)
		}

		if _, err := m.Done("Unknown1"); !errors.Is(err, taskmanager.ErrTaskNotFound) {
			t.Errorf("expected to receive ErrTaskNotFound: got '%v'", err)
		}
	})

	t.Run("Test invalid params allocate no task", func(t *testing.T) {
		t.Parallel()

		m, action, _ := newTestManager(t)

		params := validParams()
		params.Messages = nil

		id, err := m.CreateTask(params)

		var validationErr taskmanager.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected to receive ValidationError: got '%v'", err)
		}

		if validationErr.Field != "messages" {
			t.Errorf("expected field: got '%s', want '%s'", validationErr.Field, "messages")
		}

		if id != "" {
			t.Errorf("expected no id: got '%s'", id)
		}

		tasks, err := m.ListTasks(context.Background())
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if len(tasks) != 0 {
			t.Errorf("expected no tasks: got '%v'", tasks)
		}

		if got := len(action.Calls()); got != 0 {
			t.Errorf("expected no calls: got '%d'", got)
		}
	})

	t.Run("Test ids are unique", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		seen := make(map[string]bool)

		for range 50 {
			id := createTestTask(t, m)

			if seen[id] {
				t.Errorf("expected unique id: got '%s' twice", id)
			}

			seen[id] = true
		}

		tasks, err := m.ListTasks(context.Background())
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if len(tasks) != 50 {
			t.Errorf("expected tasks: got '%d', want '%d'", len(tasks), 50)
		}
	})

	t.Run("Test historical logs are listed as not running", func(t *testing.T) {
		t.Parallel()

		m, _, dir := newTestManager(t)

		if err := os.WriteFile(
			filepath.Join(dir, "Histor01.txt"),
			[]byte("from an earlier run\n"),
			0o644,
		); err != nil {
			t.Fatalf("failed to write log: '%v'", err)
		}

		task, ok := findTask(t, m, "Histor01")
		if !ok {
			t.Fatalf("expected historical task to be listed")
		}

		if task.Running {
			t.Errorf("expected historical task not to be running")
		}

		if task.State != taskmanager.TaskStateUnknown {
			t.Errorf("expected state: got '%s', want '%s'", task.State, taskmanager.TaskStateUnknown)
		}

		if err := m.StopTask("Histor01"); !errors.Is(err, taskmanager.ErrTaskNotFound) {
			t.Errorf("expected to receive ErrTaskNotFound: got '%v'", err)
		}
	})

	t.Run("Test stray log files are not listed", func(t *testing.T) {
		t.Parallel()

		m, _, dir := newTestManager(t)

		for _, name := range []string{"notes.txt", "too-long-name.txt", "bad id!.txt"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("stray\n"), 0o644); err != nil {
				t.Fatalf("failed to write log: '%v'", err)
			}
		}

		id := createTestTask(t, m)

		tasks, err := m.ListTasks(context.Background())
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if len(tasks) != 1 || tasks[0].ID != id {
			t.Errorf("expected only task '%s': got '%v'", id, tasks)
		}
	})

	t.Run("Test tail task", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		id := createTestTask(t, m)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		seq, err := m.TailTask(ctx, id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		// The first attempt may already be logged; stopping always logs.
		if err := m.StopTask(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		lines := make(chan string, 16)

		go func() {
			for line := range seq {
				lines <- line
			}
		}()

		timeout := time.After(5 * time.Second)

		for {
			select {
			case line := <-lines:
				if strings.HasPrefix(line, "🛑 Task "+id+" stopped") {
					return
				}
			case <-timeout:
				t.Fatalf("expected stop line in tail")
			}
		}
	})

	t.Run("Test tail unknown task", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		seq, err := m.TailTask(context.Background(), "Unknown2")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		var got []string
		for line := range seq {
			got = append(got, line)
		}

		if len(got) != 1 || got[0] != logstore.NoLogsLine {
			t.Errorf("expected single sentinel: got '%v'", got)
		}
	})

	t.Run("Test tail malformed task id", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		if _, err := m.TailTask(context.Background(), "../../etc/passwd"); !errors.As(
			err,
			&taskmanager.ValidationError{},
		) {
			t.Errorf("expected to receive ValidationError: got '%v'", err)
		}
	})

	t.Run("Test shutdown stops running tasks", func(t *testing.T) {
		t.Parallel()

		m, _, _ := newTestManager(t)

		ids := []string{createTestTask(t, m), createTestTask(t, m), createTestTask(t, m)}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.Shutdown(ctx); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		for _, id := range ids {
			task, _ := findTask(t, m, id)

			if task.Running {
				t.Errorf("expected task '%s' not to be running", id)
			}
		}
	})
}
