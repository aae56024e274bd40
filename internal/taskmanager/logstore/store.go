// Package logstore provides append-only, per-task line logs that can be
// tailed concurrently by any number of subscribers.
//
// A Log only ever grows: lines are appended in order and are never rewritten.
// Tail produces the lines appended after the moment it is called. History is
// not replayed to late subscribers.
package logstore

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

const (
	// NoLogsLine is produced by Tail when the task has no log in storage.
	NoLogsLine = "📭 No logs yet."

	// DefaultPollInterval is how long a tailer waits before looking for new
	// lines again.
	DefaultPollInterval = time.Second
)

// Store is a collection of task logs.
type Store interface {
	// Log returns the log for taskID. Backing storage is created on the first
	// Append.
	Log(taskID string) Log

	// TaskIDs returns the ids of every task with a log in storage, sorted.
	TaskIDs(ctx context.Context) ([]string, error)

	Close() error
}

// Log is a single task's append-only log.
type Log interface {
	// Append writes line as a single record. Embedded line breaks are
	// replaced so a record is always exactly one line.
	Append(line string) error

	// Tail returns a live sequence of lines appended after Tail was called.
	// The sequence ends when ctx is done or the consumer stops ranging. It
	// can be ranged once.
	Tail(ctx context.Context) iter.Seq[string]
}

var recordReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func sanitise(line string) string {
	return recordReplacer.Replace(line)
}

// single returns a sequence producing exactly one value.
func single(v string) iter.Seq[string] {
	return func(yield func(string) bool) {
		yield(v)
	}
}

func diagnostic(err error) string {
	return fmt.Sprintf("⚠️ Log unavailable: %v", err)
}

// sleep waits for d, returning false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
