package queue

import (
	"context"
	"maps"
	"sync"
)

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

// MemoryQueue is an in-process Publisher and Consumer for single-binary
// deployments and tests.
type MemoryQueue struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	acked  int
	closed bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Message, capacity), done: make(chan struct{})}
}

func (q *MemoryQueue) Publish(ctx context.Context, m Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.Headers = maps.Clone(m.Headers)
	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Fetch(ctx context.Context) (Delivery, error) {
	select {
	case m := <-q.ch:
		return Delivery{Message: m, ack: q.ack}, nil
	case <-q.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) ack(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked++
	return nil
}

// Acked counts acknowledged deliveries.
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Len is the number of messages waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}
