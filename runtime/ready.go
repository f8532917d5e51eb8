package runtime

import (
	"sync"
	"time"
)

// ReadyEvent is a waitable flag. Set is idempotent; Clear re-arms it.
type ReadyEvent struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func NewReadyEvent() *ReadyEvent {
	return &ReadyEvent{ch: make(chan struct{})}
}

func (e *ReadyEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

func (e *ReadyEvent) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

func (e *ReadyEvent) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel closed when the event is set.
func (e *ReadyEvent) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or timeout elapses. A non-positive
// timeout waits forever.
func (e *ReadyEvent) Wait(timeout time.Duration) bool {
	done := e.Done()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return e.IsSet()
	}
}
