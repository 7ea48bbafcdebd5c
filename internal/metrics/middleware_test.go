package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/mw-test/runs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/{run_id}", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "run_id") == "missing" {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"state":"running"}`))
		})
	})
	return r
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	h := newStatusRouter()

	tests := []struct {
		name  string
		paths []string
		route string
		code  string
		want  float64
	}{
		{
			name:  "run ids collapse to one series",
			paths: []string{"/mw-test/runs/3f1c", "/mw-test/runs/9a02"},
			route: "/mw-test/runs/{run_id}",
			code:  "200",
			want:  2,
		},
		{
			name:  "handler status is recorded",
			paths: []string{"/mw-test/runs/missing"},
			route: "/mw-test/runs/{run_id}",
			code:  "404",
			want:  1,
		},
		{
			name:  "list route",
			paths: []string{"/mw-test/runs"},
			route: "/mw-test/runs",
			code:  "200",
			want:  1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			counter := httpRequestsTotal.WithLabelValues(http.MethodGet, tc.route, tc.code)
			before := testutil.ToFloat64(counter)
			for _, path := range tc.paths {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				require.Equal(t, tc.code, strconv.Itoa(rec.Code), path)
			}
			assert.InDelta(t, tc.want, testutil.ToFloat64(counter)-before, 0)
		})
	}
}

func TestMiddlewareLabelsUnmatchedPaths(t *testing.T) {
	Init()
	h := newStatusRouter()

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, UnmatchedRoute, "404")
	before := testutil.ToFloat64(counter)
	for _, path := range []string{"/mw-test/nope", "/wp-login.php"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	assert.InDelta(t, 2, testutil.ToFloat64(counter)-before, 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
