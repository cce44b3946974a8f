// Package metrics exposes Prometheus collectors for the control plane.
//
// A *Metrics satisfies the recorder interfaces of the orchestrator, the
// scheduler, the event bus and the resource monitor. Every method is safe on
// a nil receiver so components can be built without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crawlctl"

// Metrics holds all collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	// Counters
	tasksCreated   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	workflows      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec

	// Gauges
	queueDepth    *prometheus.GaugeVec
	runningTasks  prometheus.Gauge
	eventQueue    prometheus.Gauge
	scheduledJobs prometheus.Gauge
	cpuPercent    prometheus.Gauge
	memPercent    prometheus.Gauge
	goroutines    prometheus.Gauge

	// Histograms
	taskDuration *prometheus.HistogramVec
	jobDuration  *prometheus.HistogramVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Tests pass prometheus.NewRegistry()
// so repeated construction does not collide.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		tasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created, labeled by type.",
		}, []string{"type"}),
		tasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed, labeled by type.",
		}, []string{"type"}),
		tasksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that failed terminally, labeled by type.",
		}, []string{"type"}),
		tasksRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries, labeled by type.",
		}, []string{"type"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events seen by the bus, labeled by type and stage.",
		}, []string{"type", "stage"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "Event handler failures, labeled by event type.",
		}, []string{"type"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, labeled by action and status.",
		}, []string{"action", "status"}),
		workflows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflow executions that reached a terminal state, labeled by status.",
		}, []string{"status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued tasks, labeled by priority.",
		}, []string{"priority"}),
		runningTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently executing.",
		}),
		eventQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting for dispatch.",
		}),
		scheduledJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Jobs known to the scheduler.",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU usage from the last resource sample.",
		}),
		memPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Host memory usage from the last resource sample.",
		}),
		goroutines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Goroutines at the last resource sample.",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of successful task executions, labeled by type.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"type"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs, labeled by action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// orchestrator

func (m *Metrics) TaskCreated(taskType string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskCompleted(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(taskType).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) TaskFailed(taskType string) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskRetried(taskType string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(taskType).Inc()
}

func (m *Metrics) QueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *Metrics) RunningTasks(n int) {
	if m == nil {
		return
	}
	m.runningTasks.Set(float64(n))
}

// event bus

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, "published").Inc()
}

func (m *Metrics) EventProcessed(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, "processed").Inc()
}

func (m *Metrics) EventHandlerFailed(eventType string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.eventQueue.Set(float64(depth))
}

// scheduler

func (m *Metrics) JobExecuted(action string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.jobRuns.WithLabelValues(action, status).Inc()
	m.jobDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) ScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}

// workflows and resources

func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}

func (m *Metrics) ResourceUsage(cpuPercent, memoryPercent float64, goroutines int) {
	if m == nil {
		return
	}
	m.cpuPercent.Set(cpuPercent)
	m.memPercent.Set(memoryPercent)
	m.goroutines.Set(float64(goroutines))
}

// Middleware records request counts and latencies by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
