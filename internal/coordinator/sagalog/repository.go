package sagalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a saga has no log entries.
var ErrNotFound = errors.New("sagalog: saga not found")

// Repository is the port for persisting saga log entries.
// The coordinator depends on this abstraction, not on SQLite directly.
type Repository interface {
	// Save appends a row; the table is an append-only audit log.
	Save(ctx context.Context, entry *SagaLog) error
	GetLatest(ctx context.Context, sagaID string) (*SagaLog, error)
	// History returns every entry of a saga in write order.
	History(ctx context.Context, sagaID string) ([]SagaLog, error)
}
