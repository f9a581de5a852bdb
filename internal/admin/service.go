// Package admin is the operator surface over breakers, sagas and the
// idempotency cache. The HTTP handlers and enrollctl both go through it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
)

var (
	ErrBreakerNotFound = errors.New("admin: circuit breaker not found")
	ErrAuditDisabled   = errors.New("admin: saga audit log is not configured")
)

// SagaSummary is one row of the active saga listing.
type SagaSummary struct {
	SagaID        string             `json:"saga_id"`
	Name          string             `json:"name"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Status        coordinator.Status `json:"status"`
	CurrentStep   string             `json:"current_step,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Deadline      time.Time          `json:"deadline"`
}

func summarize(in *coordinator.Instance) SagaSummary {
	s := SagaSummary{
		SagaID:        in.ID,
		Name:          in.Name,
		CorrelationID: in.CorrelationID,
		Status:        in.Status,
		CreatedAt:     in.CreatedAt,
		Deadline:      in.Deadline,
	}
	for _, st := range in.Steps {
		if st.Status != coordinator.StepCompleted {
			s.CurrentStep = st.Name
			break
		}
	}
	return s
}

type Service struct {
	breakers *breaker.Registry
	engine   *coordinator.Engine
	idem     *idempotency.Manager
	audit    sagalog.Repository
	logger   *slog.Logger
}

// NewService wires the admin operations. audit may be nil.
func NewService(
	breakers *breaker.Registry,
	engine *coordinator.Engine,
	idem *idempotency.Manager,
	audit sagalog.Repository,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{breakers: breakers, engine: engine, idem: idem, audit: audit, logger: logger}
}

func (s *Service) Breakers(ctx context.Context) ([]breaker.Snapshot, error) {
	return s.breakers.Snapshots(ctx)
}

// Breaker returns one breaker. Only names that are configured or have been
// used are known.
func (s *Service) Breaker(ctx context.Context, name string) (breaker.Snapshot, error) {
	snaps, err := s.breakers.Snapshots(ctx)
	if err != nil {
		return breaker.Snapshot{}, err
	}
	for _, snap := range snaps {
		if snap.Name == name {
			return snap, nil
		}
	}
	return breaker.Snapshot{}, fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
}

func (s *Service) ResetBreaker(ctx context.Context, name string) (breaker.Snapshot, error) {
	if _, err := s.Breaker(ctx, name); err != nil {
		return breaker.Snapshot{}, err
	}
	snap, err := s.breakers.Reset(ctx, name)
	if err != nil {
		return breaker.Snapshot{}, fmt.Errorf("admin: reset breaker %s: %w", name, err)
	}
	s.logger.InfoContext(ctx, "circuit breaker reset by operator", "breaker", name)
	return snap, nil
}

func (s *Service) ActiveSagas(ctx context.Context) ([]SagaSummary, error) {
	active, err := s.engine.ActiveSagas(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SagaSummary, 0, len(active))
	for _, in := range active {
		out = append(out, summarize(in))
	}
	return out, nil
}

// Saga returns the full instance, terminal or not, while it is retained.
func (s *Service) Saga(ctx context.Context, id string) (*coordinator.Instance, error) {
	return s.engine.Get(ctx, id)
}

func (s *Service) SagaHistory(ctx context.Context, id string) ([]sagalog.SagaLog, error) {
	if s.audit == nil {
		return nil, ErrAuditDisabled
	}
	return s.audit.History(ctx, id)
}

// InvalidateIdempotencyKey drops a cached outcome so the next identical
// request runs a new saga.
func (s *Service) InvalidateIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return s.idem.Invalidate(ctx, key)
}

func (s *Service) IdempotencyStats(ctx context.Context) (idempotency.Stats, error) {
	return s.idem.Stats(ctx)
}
