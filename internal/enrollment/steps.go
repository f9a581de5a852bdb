package enrollment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
)

// Step names.
const (
	StepValidate          = "validate_requester_and_period"
	StepScheduleConflicts = "check_schedule_conflicts"
	StepReserveSeatPrefix = "reserve_seat:"
	StepRecordEnrollment  = "record_enrollment"
)

// Keys written to the saga values.
const (
	ValueRequesterID  = "requester_id"
	ValuePeriodID     = "period_id"
	ValueGroupIDs     = "group_ids"
	ValueEnrollmentID = "enrollment_id"
	valueSeatPrefix   = "seat:"
)

// --- ValidateStep ---

type ValidateStep struct {
	catalog *catalog.Catalog
	req     domain.Request
}

func (s *ValidateStep) Name() string      { return StepValidate }
func (s *ValidateStep) Compensable() bool { return false }

func (s *ValidateStep) Execute(ctx context.Context, _ *coordinator.Values) error {
	return s.catalog.ValidateStudentAndPeriod(ctx, s.req.RequesterID, s.req.PeriodID)
}

func (s *ValidateStep) Compensate(context.Context, *coordinator.Values) error { return nil }

// --- ScheduleStep ---

type ScheduleStep struct {
	catalog *catalog.Catalog
	req     domain.Request
}

func (s *ScheduleStep) Name() string      { return StepScheduleConflicts }
func (s *ScheduleStep) Compensable() bool { return false }

func (s *ScheduleStep) Execute(ctx context.Context, _ *coordinator.Values) error {
	return s.catalog.CheckScheduleConflicts(ctx, s.req.RequesterID, s.req.PeriodID, s.req.GroupIDs)
}

func (s *ScheduleStep) Compensate(context.Context, *coordinator.Values) error { return nil }

// --- ReserveSeatStep ---

// ReserveSeatStep takes one seat on behalf of its saga. A seat the saga took
// in an interrupted attempt counts as taken; a seat held through another
// saga fails the step with AlreadyEnrolled, and compensation only gives back
// seats this saga owns.
type ReserveSeatStep struct {
	seats       *seats.Allocator
	sagaID      string
	groupID     string
	requesterID string
}

func (s *ReserveSeatStep) Name() string { return StepReserveSeatPrefix + s.groupID }

func (s *ReserveSeatStep) Execute(ctx context.Context, v *coordinator.Values) error {
	res, err := s.seats.ReserveSeat(ctx, s.groupID, s.requesterID, s.sagaID)
	if err != nil {
		return err
	}
	v.Set(valueSeatPrefix+s.groupID, string(res.Status))
	return nil
}

func (s *ReserveSeatStep) Compensate(ctx context.Context, v *coordinator.Values) error {
	if _, err := s.seats.ReleaseSeat(ctx, s.groupID, s.requesterID, s.sagaID); err != nil {
		return fmt.Errorf("release seat %s: %w", s.groupID, err)
	}
	v.Set(valueSeatPrefix+s.groupID, "RELEASED")
	return nil
}

// --- RecordEnrollmentStep ---

type RecordEnrollmentStep struct {
	catalog *catalog.Catalog
	sagaID  string
	req     domain.Request
	now     func() time.Time
}

func (s *RecordEnrollmentStep) Name() string { return StepRecordEnrollment }

func (s *RecordEnrollmentStep) Execute(ctx context.Context, v *coordinator.Values) error {
	now := s.now()
	id, ok := v.Get(ValueEnrollmentID)
	if !ok {
		id = NewEnrollmentID(now)
	}
	err := s.catalog.CreateEnrollment(ctx, catalog.Enrollment{
		EnrollmentID: id,
		SagaID:       s.sagaID,
		RequesterID:  s.req.RequesterID,
		PeriodID:     s.req.PeriodID,
		GroupIDs:     s.req.GroupIDs,
		CreatedAt:    now,
	})
	if err != nil {
		return err
	}

	// A resumed run may have lost the id it generated; read back what the
	// first insert kept.
	stored, err := s.catalog.GetEnrollment(ctx, s.sagaID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("enrollment for saga %s not found after insert", s.sagaID)
	}
	v.Set(ValueEnrollmentID, stored.EnrollmentID)
	return nil
}

func (s *RecordEnrollmentStep) Compensate(ctx context.Context, _ *coordinator.Values) error {
	return s.catalog.DeleteEnrollment(ctx, s.sagaID)
}

// NewEnrollmentID returns "I" + yymmdd + three upper-case hex characters.
func NewEnrollmentID(now time.Time) string {
	return "I" + now.UTC().Format("060102") + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:3])
}
