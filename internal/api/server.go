// Package api exposes a read-only HTTP view of the control plane
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/metrics"
	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/orchestrator"
	"github.com/t77yq/crawl-control/internal/scheduler"
	"github.com/t77yq/crawl-control/internal/storage"
	"github.com/t77yq/crawl-control/internal/workflow"
)

// Tasks is the orchestrator view served under /v1/tasks
type Tasks interface {
	GetTaskStatus(id string) (model.TaskSnapshot, error)
	ListTasks(filters orchestrator.TaskFilters) []model.TaskSnapshot
	Statistics() orchestrator.Statistics
	Errors(offset, limit int) ([]orchestrator.ErrorRecord, int)
}

// Jobs is the scheduler view served under /v1/jobs
type Jobs interface {
	GetJob(id string) (model.ScheduledJob, error)
	ListJobs(filters scheduler.JobFilters) []model.ScheduledJob
	Statistics() scheduler.Statistics
}

// Events is the bus view served under /v1/events
type Events interface {
	History(q eventbus.HistoryQuery) []model.Event
	Statistics() eventbus.Statistics
}

// Workflows is the engine view served under /v1/workflows
type Workflows interface {
	GetWorkflowStatus(id string) (workflow.StatusSnapshot, error)
	ListWorkflows() []workflow.StatusSnapshot
}

// History is the execution log served under /v1/history; optional
type History interface {
	List(ctx context.Context, filter storage.Filter, offset, limit int) ([]*storage.ExecutionRecord, error)
	Count(ctx context.Context, filter storage.Filter) (int, error)
}

// Dependencies groups the components the server reads from
type Dependencies struct {
	Tasks     Tasks
	Jobs      Jobs
	Events    Events
	Workflows Workflows
	History   History
	Metrics   *metrics.Metrics
}

// Stats is the body of GET /v1/stats
type Stats struct {
	Orchestrator orchestrator.Statistics `json:"orchestrator"`
	Scheduler    scheduler.Statistics    `json:"scheduler"`
	Events       eventbus.Statistics     `json:"events"`
}

// Server wires HTTP handlers to the control plane components
type Server struct {
	router chi.Router
	deps   Dependencies
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes
func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(deps.Metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/errors", s.listErrors)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/events", s.listEvents)
		r.Get("/workflows", s.listWorkflows)
		r.Get("/workflows/{workflow_id}", s.getWorkflow)
		r.Get("/history", s.listHistory)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Stats{
		Orchestrator: s.deps.Tasks.Statistics(),
		Scheduler:    s.deps.Jobs.Statistics(),
		Events:       s.deps.Events.Statistics(),
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := orchestrator.TaskFilters{
		Status: model.TaskStatus(q.Get("status")),
		Type:   model.TaskType(q.Get("type")),
	}
	if p := q.Get("priority"); p != "" {
		priority, err := model.ParsePriority(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filters.Priority = priority
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filters.Limit = limit

	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Tasks.ListTasks(filters)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.GetTaskStatus(chi.URLParam(r, "task_id"))
	if errors.Is(err, orchestrator.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs := s.deps.Jobs.ListJobs(scheduler.JobFilters{
		Status: model.JobStatus(q.Get("status")),
		Action: q.Get("action"),
	})
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(chi.URLParam(r, "job_id"))
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events := s.deps.Events.History(eventbus.HistoryQuery{
		Type:   model.EventType(q.Get("type")),
		Source: q.Get("source"),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.deps.Workflows.ListWorkflows()})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Workflows.GetWorkflowStatus(chi.URLParam(r, "workflow_id"))
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

const (
	defaultHistoryLimit = 50
	maxPageLimit        = 500
)

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxPageLimit)

	records, total := s.deps.Tasks.Errors(offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{"errors": records, "total": total})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	filter := storage.Filter{
		Kind:   storage.Kind(q.Get("kind")),
		RefID:  q.Get("ref_id"),
		Name:   q.Get("name"),
		Status: q.Get("status"),
	}

	records, err := s.deps.History.List(r.Context(), filter, offset, limit)
	if err != nil {
		s.logger.Error("Failed to list history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	total, err := s.deps.History.Count(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to count history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
