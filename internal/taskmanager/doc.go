// Package taskmanager runs and manages long-running, independently
// cancellable Tasks.
//
// A Task repeatedly invokes an Action for every (message, credential) pair at
// a fixed interval until it is stopped. Every attempt is recorded as a line
// in the Task's log, which remote clients can tail while the Task runs or
// after it stops.
//
// A Manager creates Tasks, identified by a random 8-character id, and is the
// only entry point other packages use.
package taskmanager
