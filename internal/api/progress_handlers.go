package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/progress/sinks"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// StatusSource exposes live run status, typically a sinks.StatusSink.
type StatusSource interface {
	Runs() []sinks.RunStatus
	Run(runID string) (sinks.RunStatus, bool)
}

// ProgressHandler exposes read-only run progress endpoints.
type ProgressHandler struct {
	source StatusSource
	logger *zap.Logger
}

// NewProgressHandler wires the status source and logger.
func NewProgressHandler(source StatusSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ListRuns handles GET /v1/runs?limit=&finished=. It returns {"runs": [...]}
// newest first, 400 for invalid filters, or 503 when no source is wired.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "run status unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	finished, err := parseFinished(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]sinks.RunStatus, 0, limit)
	for _, run := range h.source.Runs() {
		if finished != nil && run.Finished != *finished {
			continue
		}
		out = append(out, run)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} or 404.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "run status unavailable")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	run, ok := h.source.Run(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseFinished(r *http.Request) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("finished"))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New("invalid finished filter")
	}
	return &val, nil
}
