package logstore

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps logs in process memory. Nothing survives a restart, so
// it suits `taskserver run` and tests rather than a long-lived server.
//
// Tailers block on a sync.Cond rather than polling: Append broadcasts to
// every waiting subscriber.
type MemoryStore struct {
	// NOTE: Logs grow without bound. Retention is left to the operator, same
	// as for the durable stores.
	logs   map[string]*memoryLog
	closed atomic.Bool
	mu     sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memoryLog)}
}

func (s *MemoryStore) Log(taskID string) Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[taskID]
	if !ok {
		l = &memoryLog{s: s}
		l.cond.L = &l.mu
		s.logs[taskID] = l
	}

	return l
}

func (s *MemoryStore) TaskIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	logs := maps.Clone(s.logs)
	s.mu.Unlock()

	var ids []string

	for id, l := range logs {
		if l.exists() {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids, nil
}

// Close wakes every waiting tailer and ends its sequence.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)

	s.mu.Lock()
	logs := slices.Collect(maps.Values(s.logs))
	s.mu.Unlock()

	for _, l := range logs {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	}

	return nil
}

type memoryLog struct {
	s *MemoryStore

	// lines is nil until the first Append, which is what distinguishes "no
	// log yet" from an empty log.
	lines []string

	mu   sync.Mutex
	cond sync.Cond
}

func (l *memoryLog) exists() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lines != nil
}

func (l *memoryLog) Append(line string) error {
	if l.s.closed.Load() {
		return &StorageError{Op: "append", Err: errStoreClosed}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, sanitise(line))

	l.cond.Broadcast()

	return nil
}

func (l *memoryLog) Tail(ctx context.Context) iter.Seq[string] {
	l.mu.Lock()
	position := len(l.lines)
	exists := l.lines != nil
	l.mu.Unlock()

	if !exists {
		return single(NoLogsLine)
	}

	var used atomic.Bool

	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		stop := context.AfterFunc(ctx, func() {
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		defer stop()

		for {
			l.mu.Lock()

			for position >= len(l.lines) && !l.isFinished(ctx) {
				l.cond.Wait()
			}

			if l.isFinished(ctx) {
				l.mu.Unlock()
				return
			}

			batch := slices.Clone(l.lines[position:])
			position = len(l.lines)

			l.mu.Unlock()

			// Yield outside the lock so a slow subscriber never holds up the
			// writer or other subscribers.
			for _, line := range batch {
				if !yield(line) {
					return
				}
			}
		}
	}
}

func (l *memoryLog) isFinished(ctx context.Context) bool {
	return ctx.Err() != nil || l.s.closed.Load()
}
