package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// UnmatchedRoute labels requests no route pattern claimed.
const UnmatchedRoute = "unmatched"

// Middleware records status API request metrics. It must sit on a chi
// router: the route label comes from the matched pattern, so
// /v1/runs/{run_id} is one series however many runs are polled.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ObserveHTTPRequest(r.Method, routeLabel(r), rec.status, time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return UnmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return UnmatchedRoute
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
