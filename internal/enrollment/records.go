package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
)

var (
	ErrEnrollmentNotFound   = errors.New("enrollment: not found")
	ErrGroupNotInEnrollment = errors.New("enrollment: group is not part of the enrollment")
)

// Invalidator drops a cached outcome. idempotency.Manager satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) (bool, error)
}

// Records reads what completed sagas wrote and lets a requester give a seat
// back.
type Records struct {
	catalog *catalog.Catalog
	seats   *seats.Allocator
	cache   Invalidator
	logger  *slog.Logger
}

// NewRecords wires the read side. cache may be nil.
func NewRecords(cat *catalog.Catalog, alloc *seats.Allocator, cache Invalidator, logger *slog.Logger) *Records {
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{catalog: cat, seats: alloc, cache: cache, logger: logger}
}

// Enrollment returns the header with code enrollmentID.
func (r *Records) Enrollment(ctx context.Context, enrollmentID string) (*catalog.Enrollment, error) {
	e, err := r.catalog.EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnrollmentNotFound, enrollmentID)
	}
	return e, nil
}

func (r *Records) EnrollmentsByRequester(ctx context.Context, requesterID string) ([]catalog.Enrollment, error) {
	return r.catalog.EnrollmentsByRequester(ctx, requesterID)
}

// GroupCapacity reads the seat counter of groupID.
func (r *Records) GroupCapacity(ctx context.Context, groupID string) (seats.SeatCounter, error) {
	return r.seats.Counter(ctx, groupID)
}

// Withdraw gives back the seat the enrollment holds in groupID and drops the
// group from the header. Withdrawing a group a second time fails with
// ErrGroupNotInEnrollment. The cached outcome of the original request is
// invalidated so an identical request runs a new saga.
func (r *Records) Withdraw(ctx context.Context, enrollmentID, groupID string) (*catalog.Enrollment, error) {
	e, err := r.Enrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(e.GroupIDs, groupID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrGroupNotInEnrollment, groupID, enrollmentID)
	}
	key := domain.Request{RequesterID: e.RequesterID, PeriodID: e.PeriodID, GroupIDs: e.GroupIDs}.IdempotencyKey()

	released, err := r.seats.ReleaseSeat(ctx, groupID, e.RequesterID, e.SagaID)
	if err != nil {
		return nil, err
	}
	updated, err := r.catalog.RemoveEnrollmentGroup(ctx, enrollmentID, groupID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnrollmentNotFound, enrollmentID)
	}

	if r.cache != nil {
		if _, err := r.cache.Invalidate(ctx, key); err != nil {
			r.logger.WarnContext(ctx, "cached outcome not invalidated after withdrawal", "idempotency_key", key, "error", err)
		}
	}
	r.logger.InfoContext(ctx, "group withdrawn from enrollment",
		"enrollment_id", enrollmentID, "group_id", groupID, "requester_id", e.RequesterID, "seat_released", released)
	return updated, nil
}
