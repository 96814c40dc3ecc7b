// Package concurrency provides the bounded-concurrency primitives shared by
// the sandbox executor and the worker pool.
package concurrency

import (
	"context"
	"sync"
)

// Semaphore bounds the number of concurrent holders of a resource. The
// sandbox executor uses one to cap concurrent process spawns.
type Semaphore struct {
	slots chan struct{}
	mu    sync.Mutex
	held  int
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or the context is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		s.mu.Lock()
		s.held++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		s.mu.Lock()
		s.held++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing more than was acquired is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
		s.mu.Lock()
		if s.held > 0 {
			s.held--
		}
		s.mu.Unlock()
	default:
	}
}

// Held returns the number of slots currently taken.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}
