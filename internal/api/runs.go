package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/retrieval"
	"github.com/pearswick/dumpany/internal/storage/postgres"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	historyTimeout  = 3 * time.Second
)

// RunTracker holds the most recent company summary. Record is shaped to be
// passed straight to retrieval.Orchestrator.RunAll.
type RunTracker struct {
	mu     sync.RWMutex
	latest *retrieval.Summary
}

// Record stores s as the latest summary.
func (t *RunTracker) Record(s retrieval.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = &s
}

// Latest returns the most recent summary, if any.
func (t *RunTracker) Latest() (retrieval.Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return retrieval.Summary{}, false
	}
	return *t.latest, true
}

// RunHistory lists persisted runs.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]postgres.Run, error)
}

type runHandler struct {
	tracker *RunTracker
	history RunHistory
	logger  *zap.Logger
}

func (h *runHandler) latest(w http.ResponseWriter, _ *http.Request) {
	summary, ok := h.tracker.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// list handles GET /v1/runs?limit=. It returns 400 for a bad limit, 503 when
// no run history is configured and 500 if the query fails.
func (h *runHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	runs, err := h.history.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []postgres.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
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
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
