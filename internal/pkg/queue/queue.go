// Package queue carries saga work items from the request path to workers.
// Delivery is at least once: a message is acknowledged only after it was
// handled, so consumers must tolerate duplicates.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Fetch and Publish after Close.
var ErrClosed = errors.New("queue: closed")

type Message struct {
	// Key orders messages: equal keys land on the same partition.
	Key     string
	Value   []byte
	Headers map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

// Delivery is a fetched message waiting to be acknowledged.
type Delivery struct {
	Message
	ack func(ctx context.Context) error
}

// Ack marks the message as handled.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}
