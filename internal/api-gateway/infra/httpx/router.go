package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/enrollment-sagas/internal/api-gateway/infra/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)

	r.Post("/enrollments", handler.CreateEnrollment)
	r.Get("/enrollments/{id}", handler.GetEnrollment)
	r.Delete("/enrollments/{id}/groups/{group}", handler.WithdrawGroup)
	r.Get("/students/{id}/enrollments", handler.ListStudentEnrollments)
	r.Get("/groups/{id}/capacity", handler.GetGroupCapacity)
	r.Get("/tasks/{id}", handler.GetTask)
	r.Post("/tasks/status", handler.GetTasksStatus)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/circuit-breakers", handler.ListBreakers)
		r.Get("/circuit-breakers/{name}", handler.GetBreaker)
		r.Post("/circuit-breakers/{name}/reset", handler.ResetBreaker)

		r.Get("/sagas", handler.ListSagas)
		r.Get("/sagas/{id}", handler.GetSaga)
		r.Get("/sagas/{id}/history", handler.GetSagaHistory)

		r.Get("/idempotency/stats", handler.IdempotencyStats)
		r.Delete("/idempotency/{key}", handler.InvalidateIdempotencyKey)
	})
	return r
}
