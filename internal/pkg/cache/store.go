// Package cache is the shared key-value store every worker process talks to.
// Circuit breaker state, idempotency entries, task records and saga
// instances all live here.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps transport failures from the backing store.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store is the port the coordination layer depends on. Mutations that
// several workers may race on must go through SetNX, CompareAndSwap,
// CompareAndDelete or Incr.
type Store interface {
	// Get returns found=false when the key does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only if the key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces old with new. An empty old means the key must
	// not exist yet.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the key only if it still holds old.
	CompareAndDelete(ctx context.Context, key, old string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Keys lists keys matching a glob pattern built with GenerateKey.
	Keys(ctx context.Context, pattern string) ([]string, error)
	GenerateKey(operation, key string) string
}

func generateKey(namespace, operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, operation, key)
}

// StripKey returns the trailing part of a key produced by GenerateKey.
func StripKey(s Store, operation, full string) string {
	prefix := s.GenerateKey(operation, "")
	if len(full) >= len(prefix) && full[:len(prefix)] == prefix {
		return full[len(prefix):]
	}
	return full
}
