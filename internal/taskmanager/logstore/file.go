package logstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const logFileExt = ".txt"

// FileStore keeps each task's log in its own file, <dir>/<task id>.txt.
//
// Appends hold an open O_APPEND handle per task and write each record with a
// single write call. Tailers open their own read-only handle, so every
// subscriber has an independent position.
type FileStore struct {
	dir          string
	pollInterval time.Duration

	// NOTE: Writers are never evicted. One open file per task ever created
	// in this process is fine at the scale this runs at.
	writers map[string]*fileWriter
	closed  bool
	mu      sync.Mutex
}

type fileWriter struct {
	f  *os.File
	mu sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating dir if needed.
func NewFileStore(dir string, pollInterval time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "create dir", Err: err}
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &FileStore{
		dir:          dir,
		pollInterval: pollInterval,
		writers:      make(map[string]*fileWriter),
	}, nil
}

func (s *FileStore) Log(taskID string) Log {
	return &fileLog{s: s, taskID: taskID}
}

func (s *FileStore) TaskIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	var ids []string

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logFileExt) {
			continue
		}

		ids = append(ids, strings.TrimSuffix(e.Name(), logFileExt))
	}

	slices.Sort(ids)

	return ids, nil
}

// Close closes every open append handle. Appends after Close fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	var errs []error

	for id, w := range s.writers {
		w.mu.Lock()
		if err := w.f.Close(); err != nil {
			errs = append(errs, &StorageError{Op: "close", TaskID: id, Err: err})
		}
		w.mu.Unlock()
	}

	clear(s.writers)

	return errors.Join(errs...)
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+logFileExt)
}

func (s *FileStore) writer(taskID string) (*fileWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errStoreClosed
	}

	if w, ok := s.writers[taskID]; ok {
		return w, nil
	}

	f, err := os.OpenFile(
		s.path(taskID),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY,
		0o644,
	)
	if err != nil {
		return nil, err
	}

	w := &fileWriter{f: f}
	s.writers[taskID] = w

	return w, nil
}

type fileLog struct {
	s      *FileStore
	taskID string
}

func (l *fileLog) Append(line string) error {
	w, err := l.s.writer(l.taskID)
	if err != nil {
		return &StorageError{Op: "open", TaskID: l.taskID, Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.WriteString(sanitise(line) + "\n"); err != nil {
		return &StorageError{Op: "append", TaskID: l.taskID, Err: err}
	}

	return nil
}

func (l *fileLog) Tail(ctx context.Context) iter.Seq[string] {
	path := l.s.path(l.taskID)

	// The starting offset is fixed now, not when ranging begins, so a
	// subscriber only ever sees lines appended after it subscribed.
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return single(NoLogsLine)
	}

	if err != nil {
		return single(diagnostic(err))
	}

	offset := fi.Size()

	var used atomic.Bool

	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(diagnostic(err))
			return
		}
		defer f.Close()

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			yield(diagnostic(fmt.Errorf("seek: %w", err)))
			return
		}

		l.follow(ctx, f, yield)
	}
}

func (l *fileLog) follow(
	ctx context.Context,
	f *os.File,
	yield func(string) bool,
) {
	r := bufio.NewReader(f)

	// A read can stop mid-record at EOF. Those bytes are held back until the
	// rest of the record arrives so a partial line is never produced.
	var pending strings.Builder

	for ctx.Err() == nil {
		chunk, err := r.ReadString('\n')
		pending.WriteString(chunk)

		if err == nil {
			line := strings.TrimRight(pending.String(), "\r\n")
			pending.Reset()

			if !yield(line) {
				return
			}

			continue
		}

		if !errors.Is(err, io.EOF) {
			yield(diagnostic(err))
			return
		}

		if !sleep(ctx, l.s.pollInterval) {
			return
		}
	}
}
