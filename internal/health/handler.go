package health

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/pkg/httputil"
	"github.com/ignite/mailtriage/internal/store"
)

// Handler exposes the read-only health surface. Mountable into whatever
// server owns routing; the pipeline does not own an HTTP facade.
type Handler struct {
	metrics *Metrics
	store   store.Store
}

func NewHandler(metrics *Metrics, st store.Store) *Handler {
	return &Handler{metrics: metrics, store: st}
}

// Routes builds the subrouter: health probes plus the read-only task and
// event views dashboards poll.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.getHealth)
	r.Get("/health/stats", h.getStats)
	r.Get("/health/sla", h.getSLA)
	r.Get("/tasks", h.listTasks)
	r.Get("/tasks/{taskID}", h.getTask)
	r.Get("/tasks/{taskID}/events", h.listTaskEvents)
	return r
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.metrics.Snapshot()
	code := http.StatusOK
	if rep.Overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, rep)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetPipelineStats(r.Context())
	if err != nil {
		log.Printf("[Health] stats error: %v", err)
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (h *Handler) getSLA(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetPipelineStats(r.Context())
	if err != nil {
		log.Printf("[Health] sla error: %v", err)
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"schema":       "v1",
		"distribution": stats.TasksByStatus,
	})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []domain.WorkflowTask
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = h.store.ListTasksByStatus(r.Context(), domain.SLAStatus(status))
	} else {
		tasks, err = h.store.ListOpenTasks(r.Context())
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "task not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, task)
}

func (h *Handler) listTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEvents(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": events, "count": len(events)})
}
