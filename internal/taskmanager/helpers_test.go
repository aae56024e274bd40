package taskmanager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

const logstoreTestPollInterval = 10 * time.Millisecond

type call struct {
	credential string
	target     string
	message    string
}

// fakeAction records every call. Credentials "bad" fail and "panic" panic.
type fakeAction struct {
	calls []call
	mu    sync.Mutex
}

func (a *fakeAction) Attempt(
	ctx context.Context,
	credential, target, message string,
) error {
	a.mu.Lock()
	a.calls = append(a.calls, call{credential, target, message})
	a.mu.Unlock()

	switch credential {
	case "bad":
		return errors.New("upstream rejected message")
	case "panic":
		panic("upstream exploded")
	}

	return nil
}

func (a *fakeAction) Calls() []call {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]call(nil), a.calls...)
}

type fakeStats struct {
	attempts atomic.Int64
	errors   atomic.Int64
}

func (s *fakeStats) RecordAttempt(success bool) {
	s.attempts.Add(1)

	if !success {
		s.errors.Add(1)
	}
}

func newTestFileStore(t *testing.T) (*logstore.FileStore, string) {
	t.Helper()

	dir := t.TempDir()

	s, err := logstore.NewFileStore(dir, logstoreTestPollInterval)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { s.Close() })

	return s, dir
}

func readLog(t *testing.T, dir, id string) []string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, id+".txt"))
	if err != nil {
		t.Fatalf("failed to read log for '%s': '%v'", id, err)
	}

	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func countPrefix(lines []string, prefix string) int {
	n := 0

	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}

	return n
}
