package taskmanager

import (
	"maps"
	"sync"
)

// registry maps Task ids to their Token and Runner. Entries are never
// removed, so stopped Tasks stay listable for the life of the process.
type registry struct {
	// NOTE: The entries map grows unbounded. Retention of Task history is
	// left to whoever operates the server.
	entries map[string]*entry
	mu      sync.Mutex
}

type entry struct {
	token  *Token
	runner *Runner

	// done is closed when the Runner's goroutine returns.
	done chan struct{}
}

func (e *entry) running() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// add records e under id, reporting false if id is already taken.
func (r *registry) add(id string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return false
	}

	r.entries[id] = e

	return true
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]

	return e, ok
}

func (r *registry) snapshot() map[string]*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return maps.Clone(r.entries)
}
