package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/metrics"
	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/orchestrator"
	"github.com/t77yq/crawl-control/internal/scheduler"
	"github.com/t77yq/crawl-control/internal/storage"
	"github.com/t77yq/crawl-control/internal/workflow"
)

type fakeTasks struct {
	lastFilters orchestrator.TaskFilters
	errOffset   int
	errLimit    int
}

func (f *fakeTasks) GetTaskStatus(id string) (model.TaskSnapshot, error) {
	if id != "task-1" {
		return model.TaskSnapshot{}, orchestrator.ErrTaskNotFound
	}
	return model.TaskSnapshot{ID: id, Type: model.TaskTypeScrape, Status: model.TaskStatusRunning}, nil
}

func (f *fakeTasks) ListTasks(filters orchestrator.TaskFilters) []model.TaskSnapshot {
	f.lastFilters = filters
	return []model.TaskSnapshot{{ID: "task-1"}}
}

func (f *fakeTasks) Statistics() orchestrator.Statistics {
	return orchestrator.Statistics{TasksCreated: 4, TasksCompleted: 3}
}

func (f *fakeTasks) Errors(offset, limit int) ([]orchestrator.ErrorRecord, int) {
	f.errOffset, f.errLimit = offset, limit
	return []orchestrator.ErrorRecord{{TaskID: "task-9", Error: "boom"}}, 12
}

type fakeJobs struct{}

func (fakeJobs) GetJob(id string) (model.ScheduledJob, error) {
	if id != "job-1" {
		return model.ScheduledJob{}, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, id)
	}
	return model.ScheduledJob{ID: id, Name: "nightly", Status: model.JobStatusScheduled}, nil
}

func (fakeJobs) ListJobs(filters scheduler.JobFilters) []model.ScheduledJob {
	if filters.Action == "none" {
		return nil
	}
	return []model.ScheduledJob{{ID: "job-1"}}
}

func (fakeJobs) Statistics() scheduler.Statistics {
	return scheduler.Statistics{TotalJobs: 1, Running: true}
}

type fakeEvents struct {
	lastQuery eventbus.HistoryQuery
}

func (f *fakeEvents) History(q eventbus.HistoryQuery) []model.Event {
	f.lastQuery = q
	return []model.Event{{ID: "evt-1", Type: model.EventTaskCreated, Timestamp: time.Unix(0, 0).UTC()}}
}

func (f *fakeEvents) Statistics() eventbus.Statistics {
	return eventbus.Statistics{EventsPublished: 9}
}

type fakeWorkflows struct{}

func (fakeWorkflows) GetWorkflowStatus(id string) (workflow.StatusSnapshot, error) {
	if id != "wf-1" {
		return workflow.StatusSnapshot{}, workflow.ErrWorkflowNotFound
	}
	return workflow.StatusSnapshot{ID: id, Name: "pipeline", Status: workflow.StatusCompleted, TotalSteps: 3}, nil
}

func (fakeWorkflows) ListWorkflows() []workflow.StatusSnapshot {
	return []workflow.StatusSnapshot{{ID: "wf-1"}}
}

func newTestServer(t *testing.T) (*Server, *fakeTasks, *fakeEvents) {
	t.Helper()
	tasks := &fakeTasks{}
	events := &fakeEvents{}
	s := NewServer(Dependencies{
		Tasks:     tasks,
		Jobs:      fakeJobs{},
		Events:    events,
		Workflows: fakeWorkflows{},
		Metrics:   metrics.New(prometheus.NewRegistry()),
	}, zap.NewNop())
	return s, tasks, events
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer(t *testing.T) {
	s, tasks, events := newTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rec := get(t, s, "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode(t, rec)["status"])
	})

	t.Run("Stats", func(t *testing.T) {
		rec := get(t, s, "/v1/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.EqualValues(t, 4, body["orchestrator"].(map[string]any)["tasks_created"])
		assert.EqualValues(t, 1, body["scheduler"].(map[string]any)["total_jobs"])
		assert.EqualValues(t, 9, body["events"].(map[string]any)["events_published"])
	})

	t.Run("Errors Are Paged", func(t *testing.T) {
		rec := get(t, s, "/v1/errors?offset=10&limit=5000")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.EqualValues(t, 12, body["total"])
		assert.Len(t, body["errors"], 1)
		assert.Equal(t, 10, tasks.errOffset)
		assert.Equal(t, maxPageLimit, tasks.errLimit)

		rec = get(t, s, "/v1/errors?limit=-1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("List Tasks With Filters", func(t *testing.T) {
		rec := get(t, s, "/v1/tasks?status=running&type=scrape&priority=high&limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec)["tasks"], 1)
		assert.Equal(t, orchestrator.TaskFilters{
			Status:   model.TaskStatusRunning,
			Type:     model.TaskTypeScrape,
			Priority: model.TaskPriorityHigh,
			Limit:    5,
		}, tasks.lastFilters)
	})

	t.Run("Bad Task Filters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/tasks?priority=urgent").Code)
		assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/tasks?limit=-1").Code)
	})

	t.Run("Get Task", func(t *testing.T) {
		rec := get(t, s, "/v1/tasks/task-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "running", decode(t, rec)["status"])

		assert.Equal(t, http.StatusNotFound, get(t, s, "/v1/tasks/missing").Code)
	})

	t.Run("Jobs", func(t *testing.T) {
		rec := get(t, s, "/v1/jobs")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec)["jobs"], 1)

		rec = get(t, s, "/v1/jobs/job-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nightly", decode(t, rec)["name"])

		assert.Equal(t, http.StatusNotFound, get(t, s, "/v1/jobs/job-2").Code)
	})

	t.Run("Events", func(t *testing.T) {
		rec := get(t, s, "/v1/events?type=task_created&source=orchestrator&limit=10")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec)["events"], 1)
		assert.Equal(t, eventbus.HistoryQuery{Type: model.EventTaskCreated, Source: "orchestrator", Limit: 10}, events.lastQuery)
	})

	t.Run("Workflows", func(t *testing.T) {
		rec := get(t, s, "/v1/workflows/wf-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "completed", decode(t, rec)["status"])

		assert.Equal(t, http.StatusNotFound, get(t, s, "/v1/workflows/wf-2").Code)
		assert.Len(t, decode(t, get(t, s, "/v1/workflows"))["workflows"], 1)
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := get(t, s, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "crawlctl_http_requests_total")
	})
}

func TestHistoryEndpoint(t *testing.T) {
	history, err := storage.NewSQLiteHistory(zap.NewNop(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	ctx := context.Background()
	for i, kind := range []storage.Kind{storage.KindTask, storage.KindTask, storage.KindJob} {
		require.NoError(t, history.Store(ctx, &storage.ExecutionRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			Kind:      kind,
			RefID:     "ref",
			Name:      "scrape",
			Status:    "completed",
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	s := NewServer(Dependencies{Tasks: &fakeTasks{}, Jobs: fakeJobs{}, Events: &fakeEvents{}, Workflows: fakeWorkflows{}, History: history}, nil)

	rec := get(t, s, "/v1/history?kind=task&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["records"], 1)
	assert.EqualValues(t, 2, body["total"])

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/history?offset=x").Code)
}

func TestServerWithoutOptionalParts(t *testing.T) {
	s := NewServer(Dependencies{Tasks: &fakeTasks{}, Jobs: fakeJobs{}, Events: &fakeEvents{}, Workflows: fakeWorkflows{}}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/v1/history").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
}
