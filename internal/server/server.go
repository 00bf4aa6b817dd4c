// Package server exposes the distributor's status API and the on-demand
// batch trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/monitoring"
	"github.com/sells-group/reward-distributor/internal/session"
	"github.com/sells-group/reward-distributor/internal/store"
)

// Runs exposes orchestrator state.
type Runs interface {
	InProgress() bool
	LastResult() *model.BatchRunResult
}

// Trigger queues an on-demand batch.
type Trigger interface {
	Trigger() bool
}

// SessionStatus exposes the distributor session.
type SessionStatus interface {
	Status() session.Status
}

// Metrics collects a monitoring snapshot.
type Metrics interface {
	Collect(ctx context.Context, staleAfter time.Duration) (*monitoring.MetricsSnapshot, error)
}

// Deps wires the handlers. Metrics and EnsureSession are optional.
type Deps struct {
	Store    store.Store
	Runs     Runs
	Trigger  Trigger
	Sessions SessionStatus
	Metrics  Metrics

	// EnsureSession is called before a triggered run is accepted. An
	// *session.AuthorizationError maps to 403.
	EnsureSession func(ctx context.Context) error

	// StaleAfter is passed to Metrics.Collect.
	StaleAfter time.Duration
}

type handler struct {
	deps Deps
}

// New returns the API router.
func New(deps Deps) http.Handler {
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", h.session)
		r.Get("/runs/latest", h.latestRun)
		r.Post("/runs", h.triggerRun)
		r.Get("/distributions", h.distributions)
		r.Get("/baselines", h.baselines)
		r.Get("/baselines/{producerID}", h.baseline)
		r.Get("/pending", h.pending)
		r.Get("/metrics", h.metrics)
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"in_progress": h.deps.Runs.InProgress(),
	})
}

func (h *handler) session(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sessions.Status())
}

func (h *handler) latestRun(w http.ResponseWriter, _ *http.Request) {
	res := h.deps.Runs.LastResult()
	if res == nil {
		writeError(w, http.StatusNotFound, "no completed batch")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs.InProgress() {
		writeError(w, http.StatusConflict, "batch already in progress")
		return
	}
	if h.deps.EnsureSession != nil {
		if err := h.deps.EnsureSession(r.Context()); err != nil {
			var authErr *session.AuthorizationError
			if errors.As(err, &authErr) {
				writeError(w, http.StatusForbidden, authErr.Error())
				return
			}
			zap.L().Warn("server: ensure session failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "distributor session unavailable")
			return
		}
	}
	if !h.deps.Trigger.Trigger() {
		writeError(w, http.StatusConflict, "batch already queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handler) distributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordFilter{
		ProducerID: q.Get("producer_id"),
		RunID:      q.Get("run_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	recs, err := h.deps.Store.ListRecords(r.Context(), filter)
	if err != nil {
		h.internal(w, "list records", err)
		return
	}
	if recs == nil {
		recs = []model.DistributionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) baselines(w http.ResponseWriter, r *http.Request) {
	bs, err := h.deps.Store.ListBaselines(r.Context())
	if err != nil {
		h.internal(w, "list baselines", err)
		return
	}
	if bs == nil {
		bs = []model.Baseline{}
	}
	writeJSON(w, http.StatusOK, bs)
}

func (h *handler) baseline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "producerID")
	b, err := h.deps.Store.GetBaseline(r.Context(), id)
	if err != nil {
		h.internal(w, "get baseline", err)
		return
	}
	if b == nil {
		// Never rewarded; the effective baseline is zero.
		b = &model.Baseline{ProducerID: id}
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	ps, err := h.deps.Store.ListPending(r.Context())
	if err != nil {
		h.internal(w, "list pending", err)
		return
	}
	if ps == nil {
		ps = []model.PendingTransfer{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	snap, err := h.deps.Metrics.Collect(r.Context(), h.deps.StaleAfter)
	if err != nil {
		h.internal(w, "collect metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) internal(w http.ResponseWriter, op string, err error) {
	zap.L().Error("server: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
