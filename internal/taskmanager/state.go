package taskmanager

import "sync/atomic"

type TaskState int

const (
	// TaskStateUnknown is used for Tasks with a log but no Runner in this
	// process, e.g. Tasks from before a restart.
	TaskStateUnknown TaskState = iota

	// TaskStateCreated indicates the Runner is configured but not yet running.
	TaskStateCreated

	// TaskStateRunning indicates the Runner is executing its attempt loop.
	TaskStateRunning

	// TaskStateStopped indicates the Runner observed cancellation and exited.
	TaskStateStopped

	// TaskStateExhausted indicates a single-pass Runner finished every
	// attempt. Runners loop until stopped unless Params.Once is set.
	TaskStateExhausted
)

// NOTE: This slice needs to be kept in sync with any changes to the TaskState
// values.
var taskStates = []string{
	"Unknown",
	"Created",
	"Running",
	"Stopped",
	"Exhausted",
}

// String implements the Stringer interface for TaskState.
func (s TaskState) String() string {
	if int(s) < 0 || int(s) >= len(taskStates) {
		return taskStates[0]
	}

	return taskStates[s]
}

// MarshalText renders the TaskState by name, e.g. in JSON responses.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AtomicTaskState is a wrapper around an atomic.Int32 to provide atomic
// operations on a TaskState, so transitions can be validated with
// CompareAndSwap instead of a mutex.
type AtomicTaskState struct {
	v atomic.Int32
}

// Load atomically loads the TaskState value.
func (a *AtomicTaskState) Load() TaskState {
	return TaskState(a.v.Load())
}

// Store atomically stores the TaskState value.
func (a *AtomicTaskState) Store(s TaskState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new TaskState.
func (a *AtomicTaskState) CompareAndSwap(o, n TaskState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
