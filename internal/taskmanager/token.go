package taskmanager

import (
	"sync"
	"sync/atomic"
)

// Token is a one-way cancellation signal for a single Task. It is written at
// most once, by a stop request, and read continuously by the Runner.
type Token struct {
	signalled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Signal marks the Token as signalled. Repeated calls are no-ops.
func (t *Token) Signal() {
	t.once.Do(func() {
		t.signalled.Store(true)
		close(t.done)
	})
}

// Signalled reports whether Signal has been called.
func (t *Token) Signalled() bool {
	return t.signalled.Load()
}

// Done returns a channel that is closed when the Token is signalled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
