// Package worker is the entry point that turns submitted enrollment requests
// into saga executions. Submission is asynchronous: callers get a task
// handle immediately and poll it until the saga reaches a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
)

var ErrTaskNotFound = errors.New("worker: task not found")

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

const taskOperation = "task"

// Task tracks one submission. The saga id equals the task id, so a
// redelivered work item executes the same saga instance.
type Task struct {
	ID             string               `json:"task_id"`
	Status         TaskStatus           `json:"status"`
	IdempotencyKey string               `json:"idempotency_key"`
	CorrelationID  string               `json:"correlation_id"`
	SagaID         string               `json:"saga_id"`
	Request        domain.Request       `json:"request"`
	Outcome        *coordinator.Outcome `json:"outcome,omitempty"`
	FromCache      bool                 `json:"from_cache,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// finish moves t to the terminal status matching out.
func (t *Task) finish(out coordinator.Outcome, now time.Time) {
	t.Outcome = &out
	t.Status = TaskFailed
	if out.Succeeded() {
		t.Status = TaskSucceeded
	}
	t.UpdatedAt = now
}

// TaskStore keeps task records in the shared store.
type TaskStore struct {
	store cache.Store
	ttl   time.Duration
}

func NewTaskStore(store cache.Store, ttl time.Duration) *TaskStore {
	return &TaskStore{store: store, ttl: ttl}
}

func (s *TaskStore) Save(ctx context.Context, t *Task) error {
	buf, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("worker: encode task %s: %w", t.ID, err)
	}
	if err := s.store.Set(ctx, s.store.GenerateKey(taskOperation, t.ID), string(buf), s.ttl); err != nil {
		return fmt.Errorf("worker: save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, found, err := s.store.Get(ctx, s.store.GenerateKey(taskOperation, id))
	if err != nil {
		return nil, fmt.Errorf("worker: load task %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("worker: decode task %s: %w", id, err)
	}
	return &t, nil
}
