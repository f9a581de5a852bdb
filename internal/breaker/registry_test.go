package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/testutil"
)

var errBoom = errors.New("connection refused")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(store cache.Store, clock *testutil.ManualClock, cfg Config) *Registry {
	return NewRegistry(store,
		WithConfigs(map[string]Config{Database: cfg}),
		WithClock(clock.Now),
		WithLogger(quietLogger()),
	)
}

var dbConfig = Config{
	FailureThreshold: 3,
	RecoveryTimeout:  30 * time.Second,
	SuccessThreshold: 2,
	CallTimeout:      time.Second,
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, r.Execute(ctx, Database, fail), errBoom)
	}

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, clock.Now().Equal(snap.OpenedAt))

	var calls atomic.Int32
	err = r.Execute(ctx, Database, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls.Load(), "open circuit must not dispatch the call")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 30*time.Second, openErr.RetryAfter)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	_ = r.Execute(ctx, Database, fail)
	_ = r.Execute(ctx, Database, fail)
	require.NoError(t, r.Execute(ctx, Database, succeed))
	_ = r.Execute(ctx, Database, fail)

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	for i := 0; i < 3; i++ {
		_ = r.Execute(ctx, Database, fail)
	}

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, r.Execute(ctx, Database, succeed), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, r.Execute(ctx, Database, succeed))

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveSuccesses)

	require.NoError(t, r.Execute(ctx, Database, succeed))
	snap, err = r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveSuccesses)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestFailureInHalfOpenReopensAndRestartsTimer(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	for i := 0; i < 3; i++ {
		_ = r.Execute(ctx, Database, fail)
	}
	clock.Advance(31 * time.Second)

	require.ErrorIs(t, r.Execute(ctx, Database, fail), errBoom)

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, clock.Now().Equal(snap.OpenedAt))

	clock.Advance(10 * time.Second)
	require.ErrorIs(t, r.Execute(ctx, Database, succeed), ErrOpen)
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	cfg := dbConfig
	cfg.HalfOpenMaxCalls = 1
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, cfg)

	for i := 0; i < 3; i++ {
		_ = r.Execute(ctx, Database, fail)
	}
	clock.Advance(31 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.Execute(ctx, Database, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := r.Execute(ctx, Database, succeed)
	require.ErrorIs(t, err, ErrOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateHalfOpen, openErr.State)

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, r.Execute(ctx, Database, succeed), "the trial slot is released once the call finishes")
}

func TestAbandonedTrialSlotExpires(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	cfg := dbConfig
	cfg.HalfOpenMaxCalls = 1
	store := cache.NewMemoryStore("test", clock.Now)
	crashed := newTestRegistry(store, clock, cfg)
	survivor := newTestRegistry(store, clock, cfg)

	for i := 0; i < 3; i++ {
		_ = crashed.Execute(ctx, Database, fail)
	}
	clock.Advance(31 * time.Second)

	// A worker admitted as the trial call and died before recording.
	_, err := crashed.update(ctx, Database, func(s Snapshot) (Snapshot, bool) {
		next, ok, changed := admit(s, clock.Now())
		require.True(t, ok)
		return next, changed
	})
	require.NoError(t, err)

	require.ErrorIs(t, survivor.Execute(ctx, Database, succeed), ErrOpen)

	clock.Advance(cfg.CallTimeout)
	require.NoError(t, survivor.Execute(ctx, Database, succeed), "the stale slot is reclaimed")
	require.NoError(t, survivor.Execute(ctx, Database, succeed))

	snap, err := survivor.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.TrialCalls)
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	cfg := dbConfig
	cfg.CallTimeout = 20 * time.Millisecond
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, cfg)

	err := r.Execute(ctx, Database, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrCallTimeout)

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestDomainFailuresDoNotTrip(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	full := faults.Domain("NO_CAPACITY", faults.ReasonNoCapacity, "full")
	for i := 0; i < 5; i++ {
		err := r.Execute(ctx, Database, func(context.Context) error { return full })
		require.ErrorIs(t, err, full)
	}

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestStateIsSharedAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	store := cache.NewMemoryStore("test", clock.Now)
	workerA := newTestRegistry(store, clock, dbConfig)
	workerB := newTestRegistry(store, clock, dbConfig)

	_ = workerA.Execute(ctx, Database, fail)
	_ = workerB.Execute(ctx, Database, fail)
	_ = workerA.Execute(ctx, Database, fail)

	var calls atomic.Int32
	err := workerB.Execute(ctx, Database, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls.Load())
}

func TestResetForcesClosed(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	for i := 0; i < 3; i++ {
		_ = r.Execute(ctx, Database, fail)
	}
	before, err := r.State(ctx, Database)
	require.NoError(t, err)

	snap, err := r.Reset(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Greater(t, snap.Version, before.Version)

	require.NoError(t, r.Execute(ctx, Database, succeed))
}

func TestSnapshotsListsConfiguredAndStoredBreakers(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	store := cache.NewMemoryStore("test", clock.Now)

	other := NewRegistry(store, WithClock(clock.Now), WithLogger(quietLogger()))
	_ = other.Execute(ctx, "payments-api", fail)

	r := NewRegistry(store, WithClock(clock.Now), WithLogger(quietLogger()))
	snaps, err := r.Snapshots(ctx)
	require.NoError(t, err)

	var names []string
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"cache", "database", "downstream", "payments-api"}, names)
	assert.Equal(t, 1, snaps[3].ConsecutiveFailures)
	assert.Equal(t, DefaultConfig.FailureThreshold, snaps[3].Config.FailureThreshold)
}

// brokenStore fails every operation, like a Redis node that went away.
type brokenStore struct {
	cache.Store
}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, cache.ErrUnavailable
}

func (brokenStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}

func (brokenStore) Keys(context.Context, string) ([]string, error) {
	return nil, cache.ErrUnavailable
}

// contendedStore loses every compare-and-swap, like a key rewritten by
// another worker on each attempt.
type contendedStore struct {
	cache.Store
}

func (contendedStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestUndecidedAdmissionKeepsCallTimeout(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	shared := cache.NewMemoryStore("test", clock.Now)

	// Leave the stored breaker due for HALF_OPEN so admission must write.
	seed := newTestRegistry(shared, clock, dbConfig)
	for i := 0; i < 3; i++ {
		_ = seed.Execute(ctx, Database, fail)
	}
	clock.Advance(31 * time.Second)

	r := newTestRegistry(contendedStore{Store: shared}, clock, dbConfig)
	var calls atomic.Int32
	err := r.Execute(ctx, Database, func(callCtx context.Context) error {
		calls.Add(1)
		deadline, ok := callCtx.Deadline()
		if !ok || time.Until(deadline) < dbConfig.CallTimeout/2 {
			return errors.New("call started without its timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFallsBackToLocalStateWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	store := brokenStore{Store: cache.NewMemoryStore("test", clock.Now)}
	r := NewRegistry(store, WithClock(clock.Now), WithLogger(quietLogger()))

	cfg := r.Config(Cache)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = r.Execute(ctx, Cache, fail)
	}

	require.ErrorIs(t, r.Execute(ctx, Cache, succeed), ErrOpen)

	snap, err := r.State(ctx, Cache)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
}

func TestPanicInGuardedCallIsAFailure(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock()
	r := newTestRegistry(cache.NewMemoryStore("test", clock.Now), clock, dbConfig)

	err := r.Execute(ctx, Database, func(context.Context) error { panic("driver bug") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver bug")

	snap, err := r.State(ctx, Database)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestParseConfigsMergesOverDefaults(t *testing.T) {
	doc := []byte(`
database:
  failure_threshold: 4
  call_timeout_seconds: 2
payments-api:
  recovery_timeout_seconds: 5
`)
	cfgs, err := ParseConfigs(doc)
	require.NoError(t, err)

	assert.Equal(t, 4, cfgs[Database].FailureThreshold)
	assert.Equal(t, 2*time.Second, cfgs[Database].CallTimeout)
	assert.Equal(t, 30*time.Second, cfgs[Database].RecoveryTimeout)
	assert.Equal(t, 5*time.Second, cfgs["payments-api"].RecoveryTimeout)
	assert.Equal(t, DefaultConfig.FailureThreshold, cfgs["payments-api"].FailureThreshold)
	assert.Equal(t, 5, cfgs[Cache].FailureThreshold)
}
