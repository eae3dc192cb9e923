package capture

import (
	"context"
	"sync"
)

// Task is the body of a background child. It must call ready exactly once as
// soon as its wiring is complete, and return promptly once ctx is canceled.
type Task func(ctx context.Context, ready func())

// Child tracks one spawned task until it has been joined.
type Child struct {
	id     int
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Alive reports whether the child has not yet returned.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Supervisor spawns background tasks, waits for their readiness signal and
// performs ordered graceful shutdown. Shutdown is cooperative: stopping a
// child cancels its context, which the child is expected to observe at its
// blocking point.
type Supervisor struct {
	mu       sync.Mutex
	nextID   int
	children []*Child
}

// Start runs task in its own goroutine and blocks until the task signals
// readiness, so the caller never proceeds while the child's wiring is
// incomplete. A child that returns without ever signaling readiness also
// unblocks the caller.
func (s *Supervisor) Start(name string, task Task) *Child {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.nextID++
	c := &Child{
		id:     s.nextID,
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.children = append(s.children, c)
	s.mu.Unlock()

	ready := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(c.done)
		task(ctx, func() {
			once.Do(func() { close(ready) })
		})
	}()

	select {
	case <-ready:
	case <-c.done:
	}
	return c
}

// Stop delivers the graceful-shutdown signal to c, joins it and drops it
// from the tracked set. Stopping an already-joined child is harmless.
func (s *Supervisor) Stop(c *Child) {
	c.cancel()
	<-c.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.children {
		if o == c {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// StopAll stops every live child, most recently started first. Safe to call
// when no children remain.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	cs := append([]*Child(nil), s.children...)
	s.mu.Unlock()

	for i := len(cs) - 1; i >= 0; i-- {
		s.Stop(cs[i])
	}
}
