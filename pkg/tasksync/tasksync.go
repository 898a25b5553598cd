// Package tasksync coalesces concurrent executions of the same keyed task.
//
// The first caller for a key runs the task; callers arriving while it runs
// block until it finishes and receive the same value and error. The key is
// released once the result is published, so the next caller starts a fresh
// execution. Waiting has no timeout and a running task cannot be cancelled
// by a waiter; bound long tasks with deadlines inside the task itself.
package tasksync

import (
	"fmt"
	"sync"
)

type call struct {
	done    chan struct{}
	val     any
	err     error
	waiters int
}

// Synchronizer is a registry of in-flight tasks. The zero value is ready
// to use.
type Synchronizer struct {
	mu    sync.Mutex
	calls map[string]*call
}

// New creates a Synchronizer
func New() *Synchronizer {
	return &Synchronizer{}
}

// Perform runs fn under key unless a task with that key is already running,
// in which case it waits for that task. joined reports whether the caller
// waited on someone else's execution.
func (s *Synchronizer) Perform(key string, fn func() (any, error)) (v any, joined bool, err error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]*call)
	}
	if c, ok := s.calls[key]; ok {
		c.waiters++
		s.mu.Unlock()
		<-c.done
		return c.val, true, c.err
	}
	c := &call{done: make(chan struct{})}
	s.calls[key] = c
	s.mu.Unlock()

	s.execute(key, c, fn)
	return c.val, false, c.err
}

func (s *Synchronizer) execute(key string, c *call, fn func() (any, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("task %s panicked: %v", key, r)
			s.publish(key, c)
			panic(r)
		}
		s.publish(key, c)
	}()
	c.val, c.err = fn()
}

func (s *Synchronizer) publish(key string, c *call) {
	s.mu.Lock()
	delete(s.calls, key)
	s.mu.Unlock()
	close(c.done)
}

// InFlight reports whether a task with key is running
func (s *Synchronizer) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[key]
	return ok
}

// Waiters returns the number of callers blocked on the task with key
func (s *Synchronizer) Waiters(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[key]; ok {
		return c.waiters
	}
	return 0
}

// Do is the typed form of Perform
func Do[T any](s *Synchronizer, key string, fn func() (T, error)) (T, bool, error) {
	v, joined, err := s.Perform(key, func() (any, error) {
		return fn()
	})
	t, _ := v.(T)
	return t, joined, err
}
