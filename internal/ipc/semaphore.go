package ipc

import (
	"context"
	"time"
)

// Semaphore is a binary signal. It starts unsignaled; Release sets it and
// Acquire consumes it. Releasing an already signaled semaphore has no effect.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

func (s *Semaphore) Release() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Acquire waits for the signal or ctx.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireTimeout waits at most timeout for the signal. A non-positive timeout
// waits forever.
func (s *Semaphore) AcquireTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		<-s.ch
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// Signaled reports whether a Release is pending.
func (s *Semaphore) Signaled() bool {
	return len(s.ch) == 1
}
