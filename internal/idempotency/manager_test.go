package idempotency

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
	"github.com/jcmexdev/enrollment-sagas/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, store cache.Store, clock *testutil.ManualClock) *Manager {
	t.Helper()
	reg := breaker.NewRegistry(store, breaker.WithClock(clock.Now), breaker.WithLogger(quietLogger()))
	return NewManager(store, reg, WithClock(clock.Now), WithLogger(quietLogger()))
}

func TestCanonicalFormGolden(t *testing.T) {
	f := Fields{
		Operation:   "create_enrollment",
		RequesterID: " 218001234 ",
		PeriodID:    "1-2025",
		Groups:      []string{"G2", "G1"},
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "canonical_request", Canonical(f))
}

func TestComputeKeyIgnoresGroupOrder(t *testing.T) {
	a := Fields{Operation: "create_enrollment", RequesterID: "R1", PeriodID: "P1", Groups: []string{"G1", "G2", "G3"}}
	b := Fields{Operation: "create_enrollment", RequesterID: "R1", PeriodID: "P1", Groups: []string{"G3", "G1", "G2"}}

	assert.Equal(t, ComputeKey(a), ComputeKey(b))
	assert.Len(t, ComputeKey(a), 64)
}

func TestComputeKeyNormalizesUnicode(t *testing.T) {
	composed := Fields{Operation: "op", RequesterID: "Jos\u00e9", PeriodID: "P1"}
	decomposed := Fields{Operation: "op", RequesterID: "Jose\u0301", PeriodID: "P1"}
	assert.Equal(t, ComputeKey(composed), ComputeKey(decomposed))
}

func TestComputeKeyDistinguishesBusinessFields(t *testing.T) {
	base := Fields{Operation: "create_enrollment", RequesterID: "R1", PeriodID: "P1", Groups: []string{"G1"}}
	variants := []Fields{
		{Operation: "create_enrollment", RequesterID: "R2", PeriodID: "P1", Groups: []string{"G1"}},
		{Operation: "create_enrollment", RequesterID: "R1", PeriodID: "P2", Groups: []string{"G1"}},
		{Operation: "create_enrollment", RequesterID: "R1", PeriodID: "P1", Groups: []string{"G1", "G2"}},
		{Operation: "drop_enrollment", RequesterID: "R1", PeriodID: "P1", Groups: []string{"G1"}},
	}
	for _, v := range variants {
		assert.NotEqual(t, ComputeKey(base), ComputeKey(v), "%+v", v)
	}
}

func TestLookupStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	_, found := m.Lookup(ctx, "k1")
	require.False(t, found)

	outcome := json.RawMessage(`{"status":"COMPLETED"}`)
	m.Store(ctx, "k1", outcome, 0)

	e, found := m.Lookup(ctx, "k1")
	require.True(t, found)
	assert.JSONEq(t, string(outcome), string(e.Result))
	assert.Equal(t, "k1", e.Key)

	m.Store(ctx, "k1", json.RawMessage(`{"status":"FAILED"}`), 0)
	e, found = m.Lookup(ctx, "k1")
	require.True(t, found)
	assert.JSONEq(t, `{"status":"FAILED"}`, string(e.Result), "a second store refreshes the entry")
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	m.Store(ctx, "k1", json.RawMessage(`{}`), time.Minute)
	clock.Advance(time.Minute)

	_, found := m.Lookup(ctx, "k1")
	assert.False(t, found)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	m.Store(ctx, "k1", json.RawMessage(`{}`), 0)

	removed, err := m.Invalidate(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Invalidate(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, found := m.Lookup(ctx, "k1")
	assert.False(t, found)
}

// downStore simulates an unreachable shared store.
type downStore struct{ cache.Store }

func (downStore) Get(context.Context, string) (string, bool, error) {
	return "", false, cache.ErrUnavailable
}
func (downStore) Set(context.Context, string, string, time.Duration) error {
	return cache.ErrUnavailable
}
func (downStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}
func (downStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}

func TestFailsOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, downStore{Store: cache.NewMemoryStore("test", clock.Now)}, clock)

	m.Store(ctx, "k1", json.RawMessage(`{}`), 0)
	_, found := m.Lookup(ctx, "k1")
	assert.False(t, found)

	holder, acquired := m.Acquire(ctx, "k1", "task-1", time.Minute)
	assert.True(t, acquired)
	assert.Equal(t, "task-1", holder)
}

func TestAcquireCollapsesConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	holder, acquired := m.Acquire(ctx, "k1", "task-1", time.Minute)
	require.True(t, acquired)
	assert.Equal(t, "task-1", holder)

	holder, acquired = m.Acquire(ctx, "k1", "task-2", time.Minute)
	assert.False(t, acquired)
	assert.Equal(t, "task-1", holder)

	cur, found := m.Holder(ctx, "k1")
	require.True(t, found)
	assert.Equal(t, "task-1", cur)

	m.Release(ctx, "k1", "task-2")
	_, acquired = m.Acquire(ctx, "k1", "task-3", time.Minute)
	assert.False(t, acquired, "only the holder can release")

	m.Release(ctx, "k1", "task-1")
	holder, acquired = m.Acquire(ctx, "k1", "task-3", time.Minute)
	assert.True(t, acquired)
	assert.Equal(t, "task-3", holder)
}

func TestInFlightMarkerExpires(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	_, acquired := m.Acquire(ctx, "k1", "task-1", time.Minute)
	require.True(t, acquired)

	clock.Advance(2 * time.Minute)
	holder, acquired := m.Acquire(ctx, "k1", "task-2", time.Minute)
	assert.True(t, acquired)
	assert.Equal(t, "task-2", holder)
}

func TestRefreshKeepsMarkerAlive(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	_, acquired := m.Acquire(ctx, "k1", "task-1", time.Minute)
	require.True(t, acquired)

	clock.Advance(50 * time.Second)
	holder, held := m.Refresh(ctx, "k1", "task-1", time.Minute)
	require.True(t, held)
	assert.Equal(t, "task-1", holder)

	clock.Advance(50 * time.Second)
	holder, acquired = m.Acquire(ctx, "k1", "task-2", time.Minute)
	assert.False(t, acquired, "the refreshed marker outlives its first ttl")
	assert.Equal(t, "task-1", holder)
}

func TestRefreshRetakesExpiredMarker(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	_, acquired := m.Acquire(ctx, "k1", "task-1", time.Minute)
	require.True(t, acquired)
	clock.Advance(2 * time.Minute)

	_, held := m.Refresh(ctx, "k1", "task-1", time.Minute)
	require.True(t, held)
	cur, found := m.Holder(ctx, "k1")
	require.True(t, found)
	assert.Equal(t, "task-1", cur)

	clock.Advance(2 * time.Minute)
	_, acquired = m.Acquire(ctx, "k1", "task-2", time.Minute)
	require.True(t, acquired)
	holder, held := m.Refresh(ctx, "k1", "task-1", time.Minute)
	assert.False(t, held)
	assert.Equal(t, "task-2", holder)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	m := newManager(t, cache.NewMemoryStore("test", clock.Now), clock)

	m.Lookup(ctx, "k1")
	m.Store(ctx, "k1", json.RawMessage(`{}`), 0)
	m.Lookup(ctx, "k1")
	m.Lookup(ctx, "k1")
	m.Store(ctx, "k2", json.RawMessage(`{}`), 0)
	m.Acquire(ctx, "k3", "task-3", time.Minute)

	s, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}
