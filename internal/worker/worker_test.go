package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/queue"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/sqldb"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
	"github.com/jcmexdev/enrollment-sagas/internal/testutil"
)

type fixture struct {
	clock     *testutil.ManualClock
	store     *cache.MemoryStore
	queue     *queue.MemoryQueue
	seats     *seats.Allocator
	idem      *idempotency.Manager
	tasks     *TaskStore
	instances coordinator.InstanceStore
	builder   *enrollment.Builder
	service   *Service
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock()
	store := cache.NewMemoryStore("test", clock.Now)

	cat := catalog.New(db)
	require.NoError(t, cat.UpsertStudent(ctx, catalog.Student{RequesterID: "218001234"}))
	require.NoError(t, cat.UpsertPeriod(ctx, catalog.Period{PeriodID: "1-2025"}))
	require.NoError(t, cat.UpsertGroup(ctx, catalog.Group{GroupID: "G1", PeriodID: "1-2025", SubjectCode: "ELC108", Capacity: 30,
		Schedule: catalog.Schedule{Days: []string{"MO"}, StartsAt: 480, EndsAt: 600}}))
	require.NoError(t, cat.UpsertGroup(ctx, catalog.Group{GroupID: "G2", PeriodID: "1-2025", SubjectCode: "MAT101", Capacity: 1,
		Schedule: catalog.Schedule{Days: []string{"TU"}, StartsAt: 480, EndsAt: 600}}))

	alloc := seats.NewAllocator(db)
	breakers := breaker.NewRegistry(store, breaker.WithLogger(logger), breaker.WithClock(clock.Now))
	idem := idempotency.NewManager(store, breakers, idempotency.WithClock(clock.Now), idempotency.WithLogger(logger))
	instances := coordinator.NewInstanceStore(store)
	engine := coordinator.NewEngine(instances, breakers,
		coordinator.WithLogger(logger),
		coordinator.WithClock(clock.Now),
		coordinator.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
	)
	builder := enrollment.NewBuilder(cat, alloc)
	tasks := NewTaskStore(store, time.Hour)
	q := queue.NewMemoryQueue(16)

	return &fixture{
		clock:     clock,
		store:     store,
		queue:     q,
		seats:     alloc,
		idem:      idem,
		tasks:     tasks,
		instances: instances,
		builder:   builder,
		service:   NewService(tasks, idem, q, WithServiceClock(clock.Now), WithServiceLogger(logger)),
		processor: NewProcessor(tasks, idem, builder, engine, WithProcessorClock(clock.Now), WithProcessorLogger(logger)),
	}
}

// drain hands every queued message to the processor.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for f.queue.Len() > 0 {
		d, err := f.queue.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, f.processor.Handle(ctx, d.Message))
		require.NoError(t, d.Ack(ctx))
	}
}

func (f *fixture) task(t *testing.T, id string) *Task {
	t.Helper()
	task, err := f.service.Task(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) enrolled(t *testing.T, groupID string) int {
	t.Helper()
	c, err := f.seats.Counter(context.Background(), groupID)
	require.NoError(t, err)
	return c.EnrolledCount
}

var request = domain.Request{RequesterID: "218001234", PeriodID: "1-2025", GroupIDs: []string{"G1"}}

func TestSubmitQueuesThenProcessorCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.service.SubmitSaga(ctx, request, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, sub.Status)
	assert.Equal(t, "corr-1", sub.CorrelationID)
	assert.Equal(t, request.IdempotencyKey(), sub.IdempotencyKey)
	assert.False(t, sub.Deduplicated)
	assert.Equal(t, 1, f.queue.Len())

	f.drain(t)

	task := f.task(t, sub.TaskID)
	assert.Equal(t, TaskSucceeded, task.Status)
	require.NotNil(t, task.Outcome)
	assert.Equal(t, coordinator.StatusCompleted, task.Outcome.Status)
	assert.Equal(t, sub.TaskID, task.Outcome.SagaID)
	assert.NotEmpty(t, task.Outcome.Result[enrollment.ValueEnrollmentID])
	assert.Equal(t, 1, f.enrolled(t, "G1"))

	_, held := f.idem.Holder(ctx, sub.IdempotencyKey)
	assert.False(t, held, "in-flight marker is released")
}

func TestRepeatedRequestIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.SubmitSaga(ctx, request, "corr-1")
	require.NoError(t, err)
	f.drain(t)

	// Same request, different padding.
	again := domain.Request{RequesterID: " 218001234", PeriodID: "1-2025", GroupIDs: []string{"G1 "}}
	second, err := f.service.SubmitSaga(ctx, again, "corr-2")
	require.NoError(t, err)

	assert.NotEqual(t, first.TaskID, second.TaskID)
	assert.Equal(t, TaskSucceeded, second.Status)
	assert.Zero(t, f.queue.Len(), "nothing is queued for a cached outcome")

	task := f.task(t, second.TaskID)
	assert.True(t, task.FromCache)
	assert.Equal(t, first.TaskID, task.Outcome.SagaID)
	assert.Equal(t, f.task(t, first.TaskID).Outcome.Result, task.Outcome.Result)
	assert.Equal(t, 1, f.enrolled(t, "G1"))
}

func TestInFlightDuplicateReturnsTheSameHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.SubmitSaga(ctx, request, "corr-1")
	require.NoError(t, err)
	second, err := f.service.SubmitSaga(ctx, request, "corr-2")
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, "corr-1", second.CorrelationID)
	assert.Equal(t, 1, f.queue.Len())

	f.drain(t)
	assert.Equal(t, 1, f.enrolled(t, "G1"))
}

func TestBusinessFailureIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.seats.ReserveSeat(ctx, "G2", "someone-else", "saga-other")
	require.NoError(t, err)

	req := domain.Request{RequesterID: "218001234", PeriodID: "1-2025", GroupIDs: []string{"G2"}}
	first, err := f.service.SubmitSaga(ctx, req, "")
	require.NoError(t, err)
	assert.NotEmpty(t, first.CorrelationID, "a correlation id is generated")
	f.drain(t)

	task := f.task(t, first.TaskID)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, faults.ReasonNoCapacity, task.Outcome.Reason)

	f.clock.Advance(idempotency.DefaultFailureTTL + time.Second)
	second, err := f.service.SubmitSaga(ctx, req, "")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, second.Status, "business outcomes outlive the failure ttl")
}

func TestInfrastructureFailureIsCachedBriefly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := &Task{ID: "T1", SagaID: "T1", IdempotencyKey: request.IdempotencyKey(), Status: TaskRunning}

	require.NoError(t, f.processor.complete(ctx, task, coordinator.Outcome{
		SagaID: "T1",
		Status: coordinator.StatusFailed,
		Reason: faults.ReasonDependencyUnavailable,
	}, true))

	_, ok := f.idem.Lookup(ctx, task.IdempotencyKey)
	require.True(t, ok)

	f.clock.Advance(idempotency.DefaultFailureTTL + time.Second)
	_, ok = f.idem.Lookup(ctx, task.IdempotencyKey)
	assert.False(t, ok)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.SubmitSaga(context.Background(), domain.Request{RequesterID: "218001234"}, "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Zero(t, f.queue.Len())
}

func TestRedeliveredItemIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SubmitSaga(ctx, request, "corr-1")
	require.NoError(t, err)

	d, err := f.queue.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, f.processor.Handle(ctx, d.Message))
	require.NoError(t, f.processor.Handle(ctx, d.Message))
	assert.Equal(t, 1, f.enrolled(t, "G1"))
}

func TestUnreadableItemIsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.processor.Handle(context.Background(), queue.Message{Key: "k", Value: []byte("{")}))
}

func TestPoolProcessesQueuedWork(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(f.queue, f.processor.Handle, 2, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	sub, err := f.service.SubmitSaga(ctx, request, "corr-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := f.service.Task(context.Background(), sub.TaskID)
		return err == nil && task.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.queue.Acked() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestRecoverFinalizesTaskOfCrashedSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := request.IdempotencyKey()
	now := f.clock.Now()

	s, err := f.builder.Build(request, enrollment.Meta{SagaID: "T-crashed", CorrelationID: "corr-r", TaskID: "T-crashed"})
	require.NoError(t, err)
	payload, err := json.Marshal(request)
	require.NoError(t, err)

	in := &coordinator.Instance{
		ID:            "T-crashed",
		Name:          enrollment.SagaName,
		CorrelationID: "corr-r",
		Status:        coordinator.StatusExecuting,
		Payload:       payload,
		Metadata:      map[string]string{enrollment.MetaIdempotencyKey: key, enrollment.MetaTaskID: "T-crashed"},
		CreatedAt:     now,
		UpdatedAt:     now,
		Deadline:      now.Add(time.Hour),
	}
	for _, name := range s.StepNames() {
		in.Steps = append(in.Steps, coordinator.StepRecord{Name: name, Status: coordinator.StepPending})
	}
	require.NoError(t, f.instances.Save(ctx, in, 0))
	require.NoError(t, f.tasks.Save(ctx, &Task{ID: "T-crashed", SagaID: "T-crashed", Status: TaskRunning, IdempotencyKey: key}))
	_, acquired := f.idem.Acquire(ctx, key, "T-crashed", 0)
	require.True(t, acquired)

	report, err := f.processor.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)

	task := f.task(t, "T-crashed")
	assert.Equal(t, TaskSucceeded, task.Status)
	_, cached := f.idem.Lookup(ctx, key)
	assert.True(t, cached)
	_, held := f.idem.Holder(ctx, key)
	assert.False(t, held)
	assert.Equal(t, 1, f.enrolled(t, "G1"))
}

func TestRunningSagaKeepsInFlightMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.processor
	p.inFlightTTL = time.Minute
	p.refreshEvery = 2 * time.Millisecond

	_, acquired := f.idem.Acquire(ctx, "k1", "T-1", time.Minute)
	require.True(t, acquired)
	f.clock.Advance(2 * time.Minute) // the item waited in the queue

	stop := p.holdInFlight(ctx, "k1", "T-1")
	holder, found := f.idem.Holder(ctx, "k1")
	require.True(t, found, "the marker is taken back when the run starts")
	assert.Equal(t, "T-1", holder)

	for i := 0; i < 3; i++ {
		f.clock.Advance(40 * time.Second)
		time.Sleep(30 * time.Millisecond)
	}
	holder, acquired = f.idem.Acquire(ctx, "k1", "T-2", time.Minute)
	assert.False(t, acquired, "an identical request joins the running task")
	assert.Equal(t, "T-1", holder)

	stop()
	f.clock.Advance(2 * time.Minute)
	_, acquired = f.idem.Acquire(ctx, "k1", "T-2", time.Minute)
	assert.True(t, acquired, "refreshing stops with the run")
}
