// Package ports declares what the HTTP edge needs from the core.
package ports

import (
	"context"

	"github.com/jcmexdev/enrollment-sagas/internal/admin"
	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
	"github.com/jcmexdev/enrollment-sagas/internal/worker"
)

// EnrollmentService accepts requests and reports task progress.
type EnrollmentService interface {
	SubmitSaga(ctx context.Context, req domain.Request, correlationID string) (worker.Submission, error)
	Task(ctx context.Context, id string) (*worker.Task, error)
	Tasks(ctx context.Context, ids []string) (found []*worker.Task, missing []string, err error)
}

// RecordsService reads enrollments and seat counters and withdraws groups.
type RecordsService interface {
	Enrollment(ctx context.Context, enrollmentID string) (*catalog.Enrollment, error)
	EnrollmentsByRequester(ctx context.Context, requesterID string) ([]catalog.Enrollment, error)
	GroupCapacity(ctx context.Context, groupID string) (seats.SeatCounter, error)
	Withdraw(ctx context.Context, enrollmentID, groupID string) (*catalog.Enrollment, error)
}

// AdminService is the operator surface.
type AdminService interface {
	Breakers(ctx context.Context) ([]breaker.Snapshot, error)
	Breaker(ctx context.Context, name string) (breaker.Snapshot, error)
	ResetBreaker(ctx context.Context, name string) (breaker.Snapshot, error)
	ActiveSagas(ctx context.Context) ([]admin.SagaSummary, error)
	Saga(ctx context.Context, id string) (*coordinator.Instance, error)
	SagaHistory(ctx context.Context, id string) ([]sagalog.SagaLog, error)
	InvalidateIdempotencyKey(ctx context.Context, key string) (bool, error)
	IdempotencyStats(ctx context.Context) (idempotency.Stats, error)
}

var (
	_ EnrollmentService = (*worker.Service)(nil)
	_ RecordsService    = (*enrollment.Records)(nil)
	_ AdminService      = (*admin.Service)(nil)
)
