package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

// AttachTracingMetadata puts the chi request id and the caller's
// correlation id into the context. A request without X-Correlation-ID gets
// a fresh one, echoed in the response.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(constants.HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(constants.HeaderXCorrelationID, correlationID)

		ctx := telemetry.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = telemetry.WithCorrelationID(ctx, correlationID)
		ctx = interceptors.ContextWithPropagatedIDs(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
