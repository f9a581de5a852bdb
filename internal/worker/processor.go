package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/queue"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

// Processor executes queued work items.
type Processor struct {
	tasks      *TaskStore
	idem       *idempotency.Manager
	builder    *enrollment.Builder
	engine     *coordinator.Engine
	failureTTL time.Duration
	// inFlightTTL is the expiry written on every refresh of the marker;
	// refreshEvery is how often a running saga refreshes it.
	inFlightTTL  time.Duration
	refreshEvery time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type ProcessorOption func(*Processor)

// WithFailureTTL sets how long outcomes caused by infrastructure failures
// stay cached. Business outcomes use the manager default.
func WithFailureTTL(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.failureTTL = d
		}
	}
}

// WithProcessorInFlightTTL sets the expiry the processor keeps on the
// in-flight marker while it runs a saga. It should match the submission
// side.
func WithProcessorInFlightTTL(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.inFlightTTL = d
		}
	}
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(
	tasks *TaskStore,
	idem *idempotency.Manager,
	builder *enrollment.Builder,
	engine *coordinator.Engine,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		tasks:      tasks,
		idem:       idem,
		builder:    builder,
		engine:     engine,
		failureTTL:  idempotency.DefaultFailureTTL,
		inFlightTTL: idempotency.DefaultInFlightTTL,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.refreshEvery <= 0 {
		p.refreshEvery = p.inFlightTTL / 3
	}
	return p
}

// Handle runs the saga of one work item. A nil error means the message can
// be acknowledged; unreadable items are dropped.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	var item WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil || item.TaskID == "" {
		p.logger.ErrorContext(ctx, "dropping unreadable work item", "key", msg.Key, "error", err)
		return nil
	}
	if item.SagaID == "" {
		item.SagaID = item.TaskID
	}
	ctx = telemetry.WithCorrelationID(ctx, item.CorrelationID)
	ctx = telemetry.WithRequestID(ctx, msg.Headers[constants.HeaderXRequestID])

	task, err := p.tasks.Get(ctx, item.TaskID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		task = item.task(p.now().UTC())
	case err != nil:
		return err
	}
	if task.Status.Terminal() {
		p.logger.DebugContext(ctx, "work item already handled", "task_id", task.ID, "status", task.Status)
		return nil
	}

	if out, ok := cachedOutcome(ctx, p.idem, item.IdempotencyKey); ok {
		task.FromCache = true
		return p.complete(ctx, task, out, false)
	}

	task.Status = TaskRunning
	task.UpdatedAt = p.now().UTC()
	if err := p.tasks.Save(ctx, task); err != nil {
		return err
	}

	s, err := p.builder.Build(item.Request, enrollment.Meta{
		SagaID:         item.SagaID,
		CorrelationID:  item.CorrelationID,
		IdempotencyKey: item.IdempotencyKey,
		TaskID:         item.TaskID,
	})
	if err != nil {
		return p.complete(ctx, task, rejected(task, err), true)
	}

	stop := p.holdInFlight(ctx, item.IdempotencyKey, task.ID)
	out, err := p.engine.Execute(ctx, s)
	stop()
	switch {
	case errors.Is(err, coordinator.ErrSagaLocked), errors.Is(err, coordinator.ErrLeaseLost):
		p.logger.InfoContext(ctx, "saga is being run by another worker", "task_id", task.ID, "saga_id", item.SagaID, "error", err)
		return nil
	case err != nil:
		p.logger.ErrorContext(ctx, "saga could not be executed", "task_id", task.ID, "saga_id", item.SagaID, "error", err)
		out = coordinator.Outcome{
			SagaID:        item.SagaID,
			CorrelationID: item.CorrelationID,
			Status:        coordinator.StatusFailed,
			Reason:        faults.ReasonDependencyUnavailable,
			Message:       "the enrollment could not be processed, try again later",
		}
	}
	return p.complete(ctx, task, out, true)
}

// holdInFlight takes the in-flight marker back for owner, since it may have
// expired while the item waited in the queue, and refreshes it until the
// returned func is called.
func (p *Processor) holdInFlight(ctx context.Context, key, owner string) func() {
	if key == "" {
		return func() {}
	}
	if holder, held := p.idem.Refresh(ctx, key, owner, p.inFlightTTL); !held {
		p.logger.WarnContext(ctx, "in-flight marker taken by another task", "task_id", owner, "holder", holder, "idempotency_key", key)
		return func() {}
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if holder, held := p.idem.Refresh(rctx, key, owner, p.inFlightTTL); !held {
					p.logger.WarnContext(rctx, "in-flight marker taken by another task", "task_id", owner, "holder", holder, "idempotency_key", key)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Recover runs the engine's startup sweep and brings the tasks and cache
// entries of every recovered saga up to date.
func (p *Processor) Recover(ctx context.Context) (coordinator.RecoveryReport, error) {
	report, err := p.engine.Recover(ctx, p.builder.Rebuild)
	if err != nil {
		return report, err
	}
	for _, out := range report.Outcomes {
		in, err := p.engine.Get(ctx, out.SagaID)
		if err != nil {
			p.logger.WarnContext(ctx, "recovered saga not readable", "saga_id", out.SagaID, "error", err)
			continue
		}
		task, err := p.taskOf(ctx, in)
		if err != nil {
			p.logger.WarnContext(ctx, "task of recovered saga not readable", "saga_id", in.ID, "error", err)
			continue
		}
		if err := p.complete(telemetry.WithCorrelationID(ctx, in.CorrelationID), task, out, true); err != nil {
			p.logger.WarnContext(ctx, "task of recovered saga not updated", "task_id", task.ID, "error", err)
		}
	}
	p.logger.InfoContext(ctx, "recovery sweep finished",
		"scanned", report.Scanned,
		"resumed", report.Resumed,
		"compensated", report.Compensated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (p *Processor) taskOf(ctx context.Context, in *coordinator.Instance) (*Task, error) {
	id := in.Metadata[enrollment.MetaTaskID]
	if id == "" {
		id = in.ID
	}
	task, err := p.tasks.Get(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	var req domain.Request
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, err
	}
	item := WorkItem{
		TaskID:         id,
		SagaID:         in.ID,
		IdempotencyKey: in.Metadata[enrollment.MetaIdempotencyKey],
		CorrelationID:  in.CorrelationID,
		Request:        req,
	}
	return item.task(in.CreatedAt), nil
}

// complete caches out when asked, marks the task terminal and frees the
// idempotency key for the next identical request.
func (p *Processor) complete(ctx context.Context, task *Task, out coordinator.Outcome, cacheIt bool) error {
	if cacheIt && task.IdempotencyKey != "" {
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if faults.IsInfrastructure(out.Reason) {
			ttl = p.failureTTL
		}
		p.idem.Store(ctx, task.IdempotencyKey, buf, ttl)
	}

	task.finish(out, p.now().UTC())
	if err := p.tasks.Save(ctx, task); err != nil {
		return err
	}
	if task.IdempotencyKey != "" {
		p.idem.Release(ctx, task.IdempotencyKey, task.ID)
	}
	p.logger.InfoContext(ctx, "task finished",
		"task_id", task.ID,
		"saga_id", out.SagaID,
		"status", task.Status,
		"reason", out.Reason,
		"from_cache", task.FromCache,
	)
	return nil
}

func (item WorkItem) task(now time.Time) *Task {
	return &Task{
		ID:             item.TaskID,
		Status:         TaskPending,
		IdempotencyKey: item.IdempotencyKey,
		CorrelationID:  item.CorrelationID,
		SagaID:         item.SagaID,
		Request:        item.Request,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// rejected is the outcome of a request that failed validation at build time.
func rejected(task *Task, err error) coordinator.Outcome {
	out := coordinator.Outcome{
		SagaID:        task.SagaID,
		CorrelationID: task.CorrelationID,
		Status:        coordinator.StatusFailed,
		Reason:        faults.ReasonInvalidRequest,
		Message:       err.Error(),
	}
	if de, ok := faults.AsDomain(err); ok {
		out.Reason = de.Reason
		out.Message = de.Message
	}
	return out
}
