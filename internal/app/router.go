package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/pipeline"
	"github.com/nhle/phish-triage/internal/store"
	appsync "github.com/nhle/phish-triage/internal/sync"
)

// StatusHandler serves the watch-mode health and status endpoints.
type StatusHandler struct {
	poller *appsync.Poller
	store  store.Store
	log    *zap.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(poller *appsync.Poller, st store.Store, log *zap.Logger) *StatusHandler {
	return &StatusHandler{poller: poller, store: st, log: log}
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	State       string           `json:"state"`
	Runs        int              `json:"runs"`
	LastRun     *time.Time       `json:"last_run,omitempty"`
	NextRun     time.Time        `json:"next_run"`
	LastSummary pipeline.Summary `json:"last_summary"`
	Error       string           `json:"error,omitempty"`
	Store       model.Stats      `json:"store"`
}

// HandleHealth reports that the process is up.
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleStatus reports the scheduler state, the last run summary and
// store counts.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.poller.Status()
	resp := statusResponse{
		State:       st.State.String(),
		Runs:        st.Runs,
		NextRun:     h.poller.Next(),
		LastSummary: st.LastSummary,
	}
	if !st.LastRun.IsZero() {
		resp.LastRun = &st.LastRun
	}
	if st.Error != nil {
		resp.Error = st.Error.Error()
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.log.Error("computing store stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	resp.Store = stats

	writeJSON(w, http.StatusOK, resp)
}

// errorResponse is the body of a failed JSON request.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewRouter wires the watch-mode routes into a Chi router.
func NewRouter(status *StatusHandler, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", status.HandleHealth)
	r.Get("/status", status.HandleStatus)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	return r
}

func (a *App) router(poller *appsync.Poller) http.Handler {
	return NewRouter(NewStatusHandler(poller, a.store, a.log), a.metrics.Handler())
}
