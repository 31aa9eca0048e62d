// Package ipc provides the two primitives the interface bridge needs to cross
// goroutine boundaries: a bounded mailbox and a binary completion semaphore.
package ipc

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultMailboxSize matches the small fixed pool the bridge was sized for.
const DefaultMailboxSize = 4

var (
	ErrFull    = errors.New("mailbox full")
	ErrClosed  = errors.New("mailbox closed")
	ErrTimeout = errors.New("wait timed out")
)

// Mailbox is a bounded FIFO. Producers never block longer than the wait they
// pass to Send; consumers may block until a message arrives.
type Mailbox[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewMailbox returns a mailbox with room for size messages.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

// Send enqueues msg. When the mailbox is full it waits at most wait before
// giving up with ErrFull; a zero wait fails immediately.
func (m *Mailbox[T]) Send(msg T, wait time.Duration) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	default:
	}
	if wait <= 0 {
		return ErrFull
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case m.ch <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-timer.C:
		return ErrFull
	}
}

// Receive blocks until a message is available, ctx is done or the mailbox is
// closed. After Close, queued messages may or may not still be delivered.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// ReceiveTimeout is Receive with a bounded wait.
func (m *Mailbox[T]) ReceiveTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := m.Receive(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return msg, ErrTimeout
	}
	return msg, err
}

// TryReceive returns the next message without waiting.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Drain removes and returns everything currently queued.
func (m *Mailbox[T]) Drain() []T {
	var out []T
	for {
		msg, ok := m.TryReceive()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func (m *Mailbox[T]) Len() int { return len(m.ch) }
func (m *Mailbox[T]) Cap() int { return cap(m.ch) }

// Close wakes all waiters. Subsequent sends fail with ErrClosed.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
