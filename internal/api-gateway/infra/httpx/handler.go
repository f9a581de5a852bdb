package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/enrollment-sagas/internal/admin"
	"github.com/jcmexdev/enrollment-sagas/internal/api-gateway/core/ports"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/enrollment-sagas/internal/worker"
)

// maxBatch bounds POST /tasks/status.
const maxBatch = 100

// HealthCheck pings one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

// Handler serves enrollment submission, task polling, enrollment records
// and the admin routes.
type Handler struct {
	enrollments ports.EnrollmentService
	records     ports.RecordsService
	admin       ports.AdminService
	checks      map[string]HealthCheck
	logger      *slog.Logger
}

// NewHandler wires the handler. checks may be nil.
func NewHandler(
	enrollments ports.EnrollmentService,
	records ports.RecordsService,
	adm ports.AdminService,
	checks map[string]HealthCheck,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{enrollments: enrollments, records: records, admin: adm, checks: checks, logger: logger}
}

// CreateEnrollment queues the request and answers 202 with the task handle.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx := r.Context()
	sub, err := h.enrollments.SubmitSaga(ctx, domain.Request{
		RequesterID: req.RequesterID,
		PeriodID:    req.PeriodID,
		GroupIDs:    req.GroupIDs,
	}, telemetry.CorrelationID(ctx))
	if err != nil {
		if de, ok := faults.AsDomain(err); ok {
			writeError(w, http.StatusBadRequest, "invalid_request", de.Message)
			return
		}
		h.logger.ErrorContext(ctx, "enrollment submission failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "submission_failed", "the request could not be queued, try again later")
		return
	}

	w.Header().Set("Location", "/tasks/"+sub.TaskID)
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.enrollments.Task(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTaskToResponse(task))
}

// GetTasksStatus answers for several task ids. Unknown ids are reported
// with status NOT_FOUND in request order.
func (h *Handler) GetTasksStatus(w http.ResponseWriter, r *http.Request) {
	var req TaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.TaskIDs) == 0 || len(req.TaskIDs) > maxBatch {
		writeError(w, http.StatusBadRequest, "invalid_request", "between 1 and 100 task_ids are required")
		return
	}

	found, _, err := h.enrollments.Tasks(r.Context(), req.TaskIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	byID := make(map[string]*worker.Task, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]TaskResponse, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if t, ok := byID[id]; ok {
			out = append(out, mapTaskToResponse(t))
		} else {
			out = append(out, TaskResponse{TaskID: id, Status: statusNotFound})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.records.Enrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) ListStudentEnrollments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, err := h.records.EnrollmentsByRequester(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StudentEnrollmentsResponse{RequesterID: id, Enrollments: list})
}

func (h *Handler) GetGroupCapacity(w http.ResponseWriter, r *http.Request) {
	c, err := h.records.GroupCapacity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapCapacity(c))
}

// WithdrawGroup gives back the seat an enrollment holds in one group.
func (h *Handler) WithdrawGroup(w http.ResponseWriter, r *http.Request) {
	id, group := chi.URLParam(r, "id"), chi.URLParam(r, "group")
	e, err := h.records.Withdraw(r.Context(), id, group)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{EnrollmentID: id, GroupID: group, Enrollment: e})
}

func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.admin.Breakers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	snap, err := h.admin.Breaker(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	snap, err := h.admin.ResetBreaker(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	active, err := h.admin.ActiveSagas(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	in, err := h.admin.Saga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) GetSagaHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.SagaHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapHistory(entries))
}

func (h *Handler) IdempotencyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.IdempotencyStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) InvalidateIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	removed, err := h.admin.InvalidateIdempotencyKey(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{IdempotencyKey: key, Removed: removed})
}

// Health runs every registered check. Any failure answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := h.checks[name](r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

// fail maps core errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, worker.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, coordinator.ErrSagaNotFound), errors.Is(err, sagalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
	case errors.Is(err, enrollment.ErrEnrollmentNotFound):
		writeError(w, http.StatusNotFound, "enrollment_not_found", err.Error())
	case errors.Is(err, enrollment.ErrGroupNotInEnrollment):
		writeError(w, http.StatusNotFound, "group_not_in_enrollment", err.Error())
	case errors.Is(err, domain.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, "group_not_found", err.Error())
	case errors.Is(err, admin.ErrBreakerNotFound):
		writeError(w, http.StatusNotFound, "breaker_not_found", err.Error())
	case errors.Is(err, admin.ErrAuditDisabled):
		writeError(w, http.StatusNotImplemented, "audit_disabled", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
