package response

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/orderfeed/ingest/pkg/logger"
)

// RequestIDMiddleware ensures a request ID exists, echoes it in the response
// headers and stores it in the request context for downstream log correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r.Header.Set("X-Request-ID", reqID)
		w.Header().Set("X-Request-ID", reqID)
		r = r.WithContext(logger.ContextWithRequestID(r.Context(), reqID))
		next.ServeHTTP(w, r)
	})
}
