package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/queue"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

// WorkItem is the queue payload for one task.
type WorkItem struct {
	TaskID         string         `json:"task_id"`
	SagaID         string         `json:"saga_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id"`
	Request        domain.Request `json:"request"`
}

// Submission is the handle returned to the caller.
type Submission struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	CorrelationID  string     `json:"correlation_id"`
	// Deduplicated is set when the handle belongs to an earlier identical
	// request that is still running.
	Deduplicated bool `json:"deduplicated"`
}

func submissionOf(t *Task, dedup bool) Submission {
	return Submission{
		TaskID:         t.ID,
		Status:         t.Status,
		IdempotencyKey: t.IdempotencyKey,
		CorrelationID:  t.CorrelationID,
		Deduplicated:   dedup,
	}
}

type Service struct {
	tasks       *TaskStore
	idem        *idempotency.Manager
	publisher   queue.Publisher
	inFlightTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type ServiceOption func(*Service)

// WithInFlightTTL bounds how long a submission blocks identical ones when
// its worker never finishes.
func WithInFlightTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.inFlightTTL = d
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(tasks *TaskStore, idem *idempotency.Manager, publisher queue.Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		tasks:       tasks,
		idem:        idem,
		publisher:   publisher,
		inFlightTTL: idempotency.DefaultInFlightTTL,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitSaga accepts req for asynchronous execution. A request identical to
// one already answered gets a task that is terminal from the start; one
// identical to a request still in flight gets that request's handle.
func (s *Service) SubmitSaga(ctx context.Context, req domain.Request, correlationID string) (Submission, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = telemetry.WithCorrelationID(ctx, correlationID)

	now := s.now().UTC()
	key := req.IdempotencyKey()
	task := &Task{
		ID:             uuid.NewString(),
		Status:         TaskPending,
		IdempotencyKey: key,
		CorrelationID:  correlationID,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	task.SagaID = task.ID

	if out, ok := cachedOutcome(ctx, s.idem, key); ok {
		task.finish(out, now)
		task.SagaID = out.SagaID
		task.FromCache = true
		if err := s.tasks.Save(ctx, task); err != nil {
			return Submission{}, err
		}
		s.logger.InfoContext(ctx, "request served from idempotency cache",
			"task_id", task.ID, "saga_id", out.SagaID, "idempotency_key", key)
		return submissionOf(task, false), nil
	}

	// The task exists before it can own the marker, so a holder without a
	// task record is an orphan.
	if err := s.tasks.Save(ctx, task); err != nil {
		return Submission{}, err
	}
	for attempt := 0; ; attempt++ {
		holder, acquired := s.idem.Acquire(ctx, key, task.ID, s.inFlightTTL)
		if acquired {
			break
		}
		existing, err := s.tasks.Get(ctx, holder)
		if err == nil {
			s.logger.InfoContext(ctx, "identical request in flight, returning its task",
				"task_id", existing.ID, "idempotency_key", key)
			return submissionOf(existing, true), nil
		}
		if !errors.Is(err, ErrTaskNotFound) || attempt > 0 {
			return Submission{}, fmt.Errorf("worker: idempotency key %s held by %s: %w", key, holder, err)
		}
		s.logger.WarnContext(ctx, "dropping orphaned in-flight marker", "holder", holder, "idempotency_key", key)
		s.idem.Release(ctx, key, holder)
	}

	if err := s.publish(ctx, task); err != nil {
		s.idem.Release(ctx, key, task.ID)
		task.finish(coordinator.Outcome{
			SagaID:        task.SagaID,
			CorrelationID: correlationID,
			Status:        coordinator.StatusFailed,
			Reason:        faults.ReasonDependencyUnavailable,
			Message:       "the request could not be queued, try again later",
		}, s.now().UTC())
		if serr := s.tasks.Save(ctx, task); serr != nil {
			s.logger.WarnContext(ctx, "task record not updated", "task_id", task.ID, "error", serr)
		}
		return Submission{}, err
	}

	s.logger.InfoContext(ctx, "enrollment request queued", "task_id", task.ID, "idempotency_key", key)
	return submissionOf(task, false), nil
}

func (s *Service) publish(ctx context.Context, t *Task) error {
	buf, err := json.Marshal(WorkItem{
		TaskID:         t.ID,
		SagaID:         t.SagaID,
		IdempotencyKey: t.IdempotencyKey,
		CorrelationID:  t.CorrelationID,
		Request:        t.Request,
	})
	if err != nil {
		return fmt.Errorf("worker: encode work item %s: %w", t.ID, err)
	}
	headers := map[string]string{constants.HeaderXCorrelationID: t.CorrelationID}
	if id := telemetry.RequestID(ctx); id != "" {
		headers[constants.HeaderXRequestID] = id
	}
	if err := s.publisher.Publish(ctx, queue.Message{Key: t.IdempotencyKey, Value: buf, Headers: headers}); err != nil {
		return fmt.Errorf("worker: enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Task returns the current state of a submission.
func (s *Service) Task(ctx context.Context, id string) (*Task, error) {
	return s.tasks.Get(ctx, id)
}

// Tasks looks up several handles at once. Unknown ids are returned in
// missing rather than failing the call.
func (s *Service) Tasks(ctx context.Context, ids []string) (found []*Task, missing []string, err error) {
	for _, id := range ids {
		t, err := s.tasks.Get(ctx, id)
		switch {
		case errors.Is(err, ErrTaskNotFound):
			missing = append(missing, id)
		case err != nil:
			return nil, nil, err
		default:
			found = append(found, t)
		}
	}
	return found, missing, nil
}

// cachedOutcome decodes the outcome stored under key.
func cachedOutcome(ctx context.Context, idem *idempotency.Manager, key string) (coordinator.Outcome, bool) {
	e, ok := idem.Lookup(ctx, key)
	if !ok {
		return coordinator.Outcome{}, false
	}
	var out coordinator.Outcome
	if err := json.Unmarshal(e.Result, &out); err != nil {
		slog.WarnContext(ctx, "cached outcome unreadable, ignoring it", "idempotency_key", key, "error", err)
		return coordinator.Outcome{}, false
	}
	return out, true
}
