package taskmanager

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

// maxIDAttempts bounds retries when a generated id is already registered.
const maxIDAttempts = 5

// TaskInfo describes a known Task.
type TaskInfo struct {
	ID      string    `json:"task_id"`
	Running bool      `json:"running"`
	State   TaskState `json:"state"`
}

// Manager is responsible for creating and managing Tasks.
type Manager struct {
	store    logstore.Store
	action   Action
	stats    StatsRecorder
	logger   *slog.Logger
	registry *registry

	// ctx is handed to every Runner. It outlives the request that created
	// the Task and is only cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager that keeps Task logs in store, performs
// attempts with action and reports their outcome to stats.
func NewManager(
	store logstore.Store,
	action Action,
	stats StatsRecorder,
	logger *slog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:    store,
		action:   action,
		stats:    stats,
		logger:   logger.With("component", "taskmanager"),
		registry: newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateTask validates params, then creates and starts a new Task in its own
// goroutine. It returns the Task's id without waiting for any attempt.
func (m *Manager) CreateTask(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	token := NewToken()

	var (
		id string
		e  *entry
	)

	for range maxIDAttempts {
		candidate, err := newTaskID()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}

		runner := NewRunner(
			candidate,
			params,
			token,
			m.store.Log(candidate),
			m.action,
			m.stats,
			m.logger,
		)

		e = &entry{token: token, runner: runner, done: make(chan struct{})}

		if m.registry.add(candidate, e) {
			id = candidate
			break
		}
	}

	if id == "" {
		return "", fmt.Errorf("generate task id: no free id after %d attempts", maxIDAttempts)
	}

	// Written before the Runner starts so the log exists, and can be tailed,
	// as soon as the id is returned.
	e.runner.appendf(
		"🚀 Task %s started: target=%s credentials=%d messages=%d interval=%s",
		id,
		params.Target,
		len(params.Credentials),
		len(params.Messages),
		params.Interval,
	)

	go func() {
		defer close(e.done)

		if err := e.runner.Run(m.ctx); err != nil {
			m.logger.Error("run task", "task_id", id, "err", err)
		}
	}()

	m.logger.Info("task created", "task_id", id, "target", params.Target)

	return id, nil
}

// StopTask signals the Task with the given id to stop, or returns
// ErrTaskNotFound if it isn't known to this process. It does not wait for the
// Runner to exit; see Done.
func (m *Manager) StopTask(id string) error {
	e, ok := m.registry.get(id)
	if !ok {
		return ErrTaskNotFound
	}

	e.token.Signal()

	m.logger.Info("task stop requested", "task_id", id)

	return nil
}

// ListTasks returns every Task with a log in storage or an entry in this
// process, sorted by id. Tasks without a live Runner are reported as not
// running. Stored logs whose names are not Task ids are skipped.
func (m *Manager) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	ids, err := m.store.TaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}

	ids = slices.DeleteFunc(ids, func(id string) bool { return !ValidTaskID(id) })

	entries := m.registry.snapshot()

	all := slices.Concat(ids, slices.Collect(maps.Keys(entries)))
	slices.Sort(all)
	all = slices.Compact(all)

	tasks := make([]TaskInfo, 0, len(all))

	for _, id := range all {
		info := TaskInfo{ID: id, State: TaskStateUnknown}

		if e, ok := entries[id]; ok {
			info.Running = e.running()
			info.State = e.runner.State()
		}

		tasks = append(tasks, info)
	}

	return tasks, nil
}

// TailTask returns a live sequence of the lines appended to the Task's log
// from now on. A Task without a log yields a single logstore.NoLogsLine.
//
// A malformed id returns a ValidationError.
func (m *Manager) TailTask(ctx context.Context, id string) (iter.Seq[string], error) {
	if !ValidTaskID(id) {
		return nil, ValidationError{Field: "task_id", Reason: "malformed task id"}
	}

	return m.store.Log(id).Tail(ctx), nil
}

// Done returns a channel that is closed when the Runner of the Task with the
// given id has exited, or ErrTaskNotFound if it isn't known to this process.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	e, ok := m.registry.get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}

	return e.done, nil
}

// Shutdown signals every running Task to stop and waits for their Runners to
// exit or ctx to be done, whichever comes first. Attempts still in flight
// when ctx is done have their context cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	defer m.cancel()

	entries := m.registry.snapshot()

	for _, e := range entries {
		e.token.Signal()
	}

	for id, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			m.logger.Warn("shutdown before task exited", "task_id", id)
			return ctx.Err()
		}
	}

	return nil
}
