package httpx

import (
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
	"github.com/jcmexdev/enrollment-sagas/internal/worker"
)

type CreateEnrollmentRequest struct {
	RequesterID string   `json:"requester_id"`
	PeriodID    string   `json:"period_id"`
	GroupIDs    []string `json:"group_ids"`
}

type TaskStatusRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// statusNotFound marks unknown ids in a batch status response.
const statusNotFound = "NOT_FOUND"

type TaskResponse struct {
	TaskID         string               `json:"task_id"`
	Status         string               `json:"status"`
	CorrelationID  string               `json:"correlation_id,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	SagaID         string               `json:"saga_id,omitempty"`
	FromCache      bool                 `json:"from_cache,omitempty"`
	Outcome        *coordinator.Outcome `json:"outcome,omitempty"`
	CreatedAt      string               `json:"created_at,omitempty"`
	UpdatedAt      string               `json:"updated_at,omitempty"`
}

type SagaLogResponse struct {
	Event       sagalog.Event `json:"event"`
	CurrentStep string        `json:"current_step,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	TraceID     string        `json:"trace_id,omitempty"`
	UpdatedAt   string        `json:"updated_at"`
}

type StudentEnrollmentsResponse struct {
	RequesterID string               `json:"requester_id"`
	Enrollments []catalog.Enrollment `json:"enrollments"`
}

type CapacityResponse struct {
	GroupID       string `json:"group_id"`
	Capacity      int    `json:"capacity"`
	EnrolledCount int    `json:"enrolled_count"`
	Remaining     int    `json:"remaining"`
}

type WithdrawResponse struct {
	EnrollmentID string              `json:"enrollment_id"`
	GroupID      string              `json:"group_id"`
	Enrollment   *catalog.Enrollment `json:"enrollment"`
}

type InvalidateResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Removed        bool   `json:"removed"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapTaskToResponse(t *worker.Task) TaskResponse {
	return TaskResponse{
		TaskID:         t.ID,
		Status:         string(t.Status),
		CorrelationID:  t.CorrelationID,
		IdempotencyKey: t.IdempotencyKey,
		SagaID:         t.SagaID,
		FromCache:      t.FromCache,
		Outcome:        t.Outcome,
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

func mapCapacity(c seats.SeatCounter) CapacityResponse {
	return CapacityResponse{
		GroupID:       c.GroupID,
		Capacity:      c.Capacity,
		EnrolledCount: c.EnrolledCount,
		Remaining:     c.Remaining(),
	}
}

func mapHistory(entries []sagalog.SagaLog) []SagaLogResponse {
	out := make([]SagaLogResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		out[i] = SagaLogResponse{
			Event:       e.Event,
			CurrentStep: e.CurrentStep,
			Errors:      e.Errors(),
			TraceID:     e.TraceID,
			UpdatedAt:   formatTime(e.UpdatedAt),
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
