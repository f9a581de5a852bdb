// Package idempotency deduplicates logically identical enrollment requests.
//
// A request is fingerprinted by ComputeKey. The terminal outcome of the saga
// that served it is stored under that key and returned verbatim to every
// repeat until the entry expires. While a saga is still running, an
// in-flight marker names the task that owns the key.
//
// All store traffic goes through the "cache" circuit breaker and fails
// open: an unreachable store means "not cached", never "request failed".
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
)

const (
	DefaultTTL         = 2 * time.Hour
	DefaultFailureTTL  = time.Minute
	DefaultInFlightTTL = 5 * time.Minute

	resultOperation   = "idempotency"
	inFlightOperation = "idempotency-inflight"
	statsOperation    = "idempotency-stats"
)

// Entry is a cached outcome.
type Entry struct {
	Key      string          `json:"key"`
	Result   json.RawMessage `json:"result"`
	StoredAt time.Time       `json:"stored_at"`
}

// Stats summarises the cache for the admin surface.
type Stats struct {
	Entries  int     `json:"entries"`
	InFlight int     `json:"in_flight"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

type Manager struct {
	store    cache.Store
	breakers *breaker.Registry
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager. breakers may be nil, in which case store
// calls are not guarded.
func NewManager(store cache.Store, breakers *breaker.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		breakers: breakers,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) guard(ctx context.Context, op func(ctx context.Context) error) error {
	if m.breakers == nil {
		return op(ctx)
	}
	return m.breakers.Execute(ctx, breaker.Cache, op)
}

// Lookup returns the cached outcome for key. Store failures are misses.
func (m *Manager) Lookup(ctx context.Context, key string) (*Entry, bool) {
	var (
		raw   string
		found bool
	)
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		raw, found, err = m.store.Get(ctx, m.store.GenerateKey(resultOperation, key))
		if err != nil {
			return err
		}
		counter := "misses"
		if found {
			counter = "hits"
		}
		if _, err := m.store.Incr(ctx, m.store.GenerateKey(statsOperation, counter)); err != nil {
			m.logger.DebugContext(ctx, "idempotency stats counter not updated", "error", err)
		}
		return nil
	})
	if err != nil {
		m.logger.WarnContext(ctx, "idempotency lookup failed, treating as miss", "idempotency_key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		m.logger.WarnContext(ctx, "unreadable idempotency entry, treating as miss", "idempotency_key", key, "error", err)
		return nil, false
	}
	return &e, true
}

// Store caches result under key. A zero ttl uses the manager default.
// Writing the same key twice refreshes it. Failures are logged only.
func (m *Manager) Store(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	buf, err := json.Marshal(Entry{Key: key, Result: result, StoredAt: m.now().UTC()})
	if err != nil {
		m.logger.ErrorContext(ctx, "idempotency entry not encodable", "idempotency_key", key, "error", err)
		return
	}

	err = m.guard(ctx, func(ctx context.Context) error {
		return m.store.Set(ctx, m.store.GenerateKey(resultOperation, key), string(buf), ttl)
	})
	if err != nil {
		m.logger.WarnContext(ctx, "idempotency store failed", "idempotency_key", key, "error", err)
	}
}

// Invalidate removes a cached outcome. Used for manual remediation, so it
// talks to the store directly and reports errors.
func (m *Manager) Invalidate(ctx context.Context, key string) (bool, error) {
	n, err := m.store.Delete(ctx, m.store.GenerateKey(resultOperation, key))
	if err != nil {
		return false, fmt.Errorf("idempotency: invalidate %s: %w", key, err)
	}
	m.logger.InfoContext(ctx, "idempotency key invalidated", "idempotency_key", key, "removed", n > 0)
	return n > 0, nil
}

// Acquire marks key as in flight on behalf of owner. When another owner
// already holds it, that owner is returned with acquired=false. If the store
// cannot be reached the caller proceeds as owner.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (holder string, acquired bool) {
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	marker := m.store.GenerateKey(inFlightOperation, key)

	err := m.guard(ctx, func(ctx context.Context) error {
		// Two rounds cover a marker expiring between SETNX and GET.
		for i := 0; i < 2; i++ {
			ok, err := m.store.SetNX(ctx, marker, owner, ttl)
			if err != nil {
				return err
			}
			if ok {
				holder, acquired = owner, true
				return nil
			}
			cur, found, err := m.store.Get(ctx, marker)
			if err != nil {
				return err
			}
			if found {
				holder, acquired = cur, cur == owner
				return nil
			}
		}
		holder, acquired = owner, true
		return nil
	})
	if err != nil {
		m.logger.WarnContext(ctx, "in-flight guard unavailable, proceeding", "idempotency_key", key, "error", err)
		return owner, true
	}
	return holder, acquired
}

// Refresh pushes the expiry of owner's in-flight marker out to ttl, taking
// the marker again if it already expired. held is false when another owner
// took the key in the meantime. Like Acquire it fails open.
func (m *Manager) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (holder string, held bool) {
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	var extended bool
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		extended, err = m.store.CompareAndSwap(ctx, m.store.GenerateKey(inFlightOperation, key), owner, owner, ttl)
		return err
	})
	if err != nil {
		m.logger.WarnContext(ctx, "in-flight marker not refreshed", "idempotency_key", key, "error", err)
		return owner, true
	}
	if extended {
		return owner, true
	}
	return m.Acquire(ctx, key, owner, ttl)
}

// Holder returns the owner of the in-flight marker for key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (string, bool) {
	var (
		cur   string
		found bool
	)
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		cur, found, err = m.store.Get(ctx, m.store.GenerateKey(inFlightOperation, key))
		return err
	})
	if err != nil {
		return "", false
	}
	return cur, found
}

// Release drops the in-flight marker if owner still holds it.
func (m *Manager) Release(ctx context.Context, key, owner string) {
	err := m.guard(ctx, func(ctx context.Context) error {
		_, err := m.store.CompareAndDelete(ctx, m.store.GenerateKey(inFlightOperation, key), owner)
		return err
	})
	if err != nil {
		m.logger.WarnContext(ctx, "in-flight marker not released, it will expire", "idempotency_key", key, "error", err)
	}
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	entries, err := m.store.Keys(ctx, m.store.GenerateKey(resultOperation, "*"))
	if err != nil {
		return Stats{}, fmt.Errorf("idempotency: stats: %w", err)
	}
	inFlight, err := m.store.Keys(ctx, m.store.GenerateKey(inFlightOperation, "*"))
	if err != nil {
		return Stats{}, fmt.Errorf("idempotency: stats: %w", err)
	}
	s.Entries = len(entries)
	s.InFlight = len(inFlight)

	for name, dst := range map[string]*int64{"hits": &s.Hits, "misses": &s.Misses} {
		raw, found, err := m.store.Get(ctx, m.store.GenerateKey(statsOperation, name))
		if err != nil {
			return Stats{}, fmt.Errorf("idempotency: stats: %w", err)
		}
		if found {
			*dst, _ = strconv.ParseInt(raw, 10, 64)
		}
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}
