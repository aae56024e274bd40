package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

// Action performs one attempt: deliver message to target using credential.
// A non-nil error marks the attempt as failed.
type Action interface {
	Attempt(ctx context.Context, credential, target, message string) error
}

// ActionFunc adapts an ordinary function to the Action interface.
type ActionFunc func(ctx context.Context, credential, target, message string) error

func (f ActionFunc) Attempt(
	ctx context.Context,
	credential, target, message string,
) error {
	return f(ctx, credential, target, message)
}

// StatsRecorder receives the outcome of every attempt across all Tasks.
type StatsRecorder interface {
	RecordAttempt(success bool)
}

// Runner executes the attempt loop of a single Task.
//
// The loop checks the Task's Token before every pass over the messages,
// before every message and before every per-credential attempt. Sleeping
// between attempts is cut short when the Token is signalled. An attempt
// already in flight is never interrupted.
type Runner struct {
	id     string
	params Params
	state  AtomicTaskState

	token  *Token
	log    logstore.Log
	action Action
	stats  StatsRecorder
	logger *slog.Logger

	attempts atomic.Int64
}

// NewRunner creates a Runner for the Task with the given id.
func NewRunner(
	id string,
	params Params,
	token *Token,
	log logstore.Log,
	action Action,
	stats StatsRecorder,
	logger *slog.Logger,
) *Runner {
	r := &Runner{
		id:     id,
		params: params,
		token:  token,
		log:    log,
		action: action,
		stats:  stats,
		logger: logger.With("task_id", id),
	}

	r.state.Store(TaskStateCreated)

	return r
}

// ID returns the id of the Task.
func (r *Runner) ID() string {
	return r.id
}

// State returns the state of the Runner.
func (r *Runner) State() TaskState {
	return r.state.Load()
}

// Attempts returns how many attempts the Runner has made.
func (r *Runner) Attempts() int64 {
	return r.attempts.Load()
}

// Run executes the attempt loop and blocks until the Token is signalled, ctx
// is done or, with Params.Once, every attempt has been made. ctx is passed to
// the Action; it is the process lifetime, not the Task's.
//
// Running a Runner that is not in TaskStateCreated returns an
// InvalidStateError.
func (r *Runner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(TaskStateCreated, TaskStateRunning) {
		return NewInvalidStateError(r.state.Load(), TaskStateRunning)
	}

	final := r.loop(ctx)

	r.state.Store(final)

	switch final {
	case TaskStateExhausted:
		r.appendf("🏁 Task %s finished after %d attempts", r.id, r.attempts.Load())
	default:
		r.appendf("🛑 Task %s stopped after %d attempts", r.id, r.attempts.Load())
	}

	return nil
}

func (r *Runner) loop(ctx context.Context) TaskState {
	for {
		if r.cancelled(ctx) {
			return TaskStateStopped
		}

		for _, body := range r.params.Messages {
			if r.cancelled(ctx) {
				return TaskStateStopped
			}

			for _, credential := range r.params.Credentials {
				if r.cancelled(ctx) {
					return TaskStateStopped
				}

				r.attempt(ctx, credential, body)

				if !r.sleep(ctx) {
					return TaskStateStopped
				}
			}
		}

		if r.params.Once {
			return TaskStateExhausted
		}
	}
}

func (r *Runner) attempt(ctx context.Context, credential, body string) {
	message := r.params.message(body)
	masked := maskCredential(credential)

	err := r.invoke(ctx, credential, message)
	n := r.attempts.Add(1)

	if err != nil {
		actionErr := ActionError{Credential: masked, Err: err}

		r.logger.Warn("attempt failed", "attempt", n, "err", actionErr)

		r.appendf("❌ Message #%d failed from credential %s: %s", n, masked, message)
		r.appendf("Error: %v", err)
	} else {
		r.appendf("✅ Message #%d sent successfully from credential %s: %s", n, masked, message)
	}

	r.stats.RecordAttempt(err == nil)
}

// invoke calls the Action, recovering a panic as an error.
func (r *Runner) invoke(
	ctx context.Context,
	credential, message string,
) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v", p)
		}
	}()

	return r.action.Attempt(ctx, credential, r.params.Target, message)
}

func (r *Runner) cancelled(ctx context.Context) bool {
	return r.token.Signalled() || ctx.Err() != nil
}

// sleep waits for the interval, returning false if the Task is cancelled
// first.
func (r *Runner) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.params.Interval)
	defer t.Stop()

	select {
	case <-r.token.Done():
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// appendf writes a line to the Task's log. Storage failures are logged and
// otherwise ignored; they never stop the Runner.
func (r *Runner) appendf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	r.logger.Debug("task log", "line", line)

	if err := r.log.Append(line); err != nil {
		r.logger.Warn("append task log", "err", err)
	}
}

// maskCredential hides all but the ends of a credential so log lines identify
// it without leaking it.
func maskCredential(c string) string {
	r := []rune(c)
	if len(r) <= 8 {
		return "****"
	}

	return string(r[:4]) + "…" + string(r[len(r)-4:])
}
