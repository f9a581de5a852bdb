package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusExecuting    Status = "EXECUTING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusFailed       Status = "FAILED"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step within an instance.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepExecuting          StepStatus = "EXECUTING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

type StepRecord struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Dependency string     `json:"dependency,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Instance is the persisted state of one saga execution.
type Instance struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	Status               Status            `json:"status"`
	Steps                []StepRecord      `json:"steps"`
	Values               map[string]string `json:"values,omitempty"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	Message              string            `json:"message,omitempty"`
	FailedStep           string            `json:"failed_step,omitempty"`
	RequiresIntervention bool              `json:"requires_intervention,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Deadline             time.Time         `json:"deadline"`
}

// Step returns the record for the named step.
func (in *Instance) Step(name string) (*StepRecord, bool) {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return &in.Steps[i], true
		}
	}
	return nil, false
}

// InstanceStore persists saga instances and the ownership lease that keeps
// two workers from driving the same saga.
type InstanceStore interface {
	Save(ctx context.Context, in *Instance, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Instance, error)
	// ListActive returns non-terminal instances, oldest first.
	ListActive(ctx context.Context) ([]*Instance, error)
	Claim(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, owner string) error
}

const (
	instanceOperation = "saga"
	leaseOperation    = "sagalock"
)

type cacheInstanceStore struct {
	store cache.Store
}

// NewInstanceStore keeps instances in the shared store under saga:<id>.
func NewInstanceStore(store cache.Store) InstanceStore {
	return &cacheInstanceStore{store: store}
}

func (s *cacheInstanceStore) Save(ctx context.Context, in *Instance, ttl time.Duration) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("coordinator: encode instance %s: %w", in.ID, err)
	}
	if err := s.store.Set(ctx, s.store.GenerateKey(instanceOperation, in.ID), string(raw), ttl); err != nil {
		return fmt.Errorf("coordinator: save instance %s: %w", in.ID, err)
	}
	return nil
}

func (s *cacheInstanceStore) Get(ctx context.Context, id string) (*Instance, error) {
	raw, found, err := s.store.Get(ctx, s.store.GenerateKey(instanceOperation, id))
	if err != nil {
		return nil, fmt.Errorf("coordinator: load instance %s: %w", id, err)
	}
	if !found {
		return nil, ErrSagaNotFound
	}
	var in Instance
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("coordinator: decode instance %s: %w", id, err)
	}
	return &in, nil
}

func (s *cacheInstanceStore) ListActive(ctx context.Context) ([]*Instance, error) {
	keys, err := s.store.Keys(ctx, s.store.GenerateKey(instanceOperation, "*"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: list instances: %w", err)
	}
	out := make([]*Instance, 0, len(keys))
	for _, key := range keys {
		in, err := s.Get(ctx, cache.StripKey(s.store, instanceOperation, key))
		if errors.Is(err, ErrSagaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !in.Status.Terminal() {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *cacheInstanceStore) Claim(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.store.SetNX(ctx, s.store.GenerateKey(leaseOperation, id), owner, ttl)
	if err != nil {
		return false, fmt.Errorf("coordinator: claim %s: %w", id, err)
	}
	return ok, nil
}

func (s *cacheInstanceStore) Extend(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.store.CompareAndSwap(ctx, s.store.GenerateKey(leaseOperation, id), owner, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("coordinator: extend %s: %w", id, err)
	}
	return ok, nil
}

func (s *cacheInstanceStore) Release(ctx context.Context, id, owner string) error {
	if _, err := s.store.CompareAndDelete(ctx, s.store.GenerateKey(leaseOperation, id), owner); err != nil {
		return fmt.Errorf("coordinator: release %s: %w", id, err)
	}
	return nil
}
