package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
)

// DependencyManager parks tasks until their dependencies complete. It keeps
// a reverse index from each dependency to the tasks waiting on it, so a
// completion only touches the tasks that named it.
type DependencyManager struct {
	logger *zap.Logger
	mu     sync.Mutex

	waiting    map[string]*model.Task         // parked tasks by id
	unmet      map[string]map[string]struct{} // task id -> dependency ids not yet completed
	dependents map[string][]string            // dependency id -> parked task ids
}

// NewDependencyManager creates a new dependency manager
func NewDependencyManager(logger *zap.Logger) *DependencyManager {
	return &DependencyManager{
		logger:     logger.Named("dependency-manager"),
		waiting:    make(map[string]*model.Task),
		unmet:      make(map[string]map[string]struct{}),
		dependents: make(map[string][]string),
	}
}

// Park holds task until every id in unmet has been resolved
func (m *DependencyManager) Park(task *model.Task, unmet []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]struct{}, len(unmet))
	for _, depID := range unmet {
		if _, dup := set[depID]; dup {
			continue
		}
		set[depID] = struct{}{}
		m.dependents[depID] = append(m.dependents[depID], task.ID)
	}
	m.waiting[task.ID] = task
	m.unmet[task.ID] = set

	m.logger.Debug("Task waiting on dependencies",
		zap.String("task_id", task.ID),
		zap.Strings("unmet", unmet))
}

// Resolve records that depID completed and returns the parked tasks that
// have no unmet dependencies left. Returned tasks are no longer tracked.
func (m *DependencyManager) Resolve(depID string) []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*model.Task
	for _, taskID := range m.dependents[depID] {
		set, ok := m.unmet[taskID]
		if !ok {
			continue
		}
		delete(set, depID)
		if len(set) == 0 {
			ready = append(ready, m.waiting[taskID])
			delete(m.waiting, taskID)
			delete(m.unmet, taskID)
		}
	}
	delete(m.dependents, depID)
	return ready
}

// Abandon removes and returns every parked task that transitively depends
// on depID. Used when depID can no longer complete.
func (m *DependencyManager) Abandon(depID string) []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var abandoned []*model.Task
	frontier := []string{depID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, taskID := range m.dependents[id] {
			task, ok := m.waiting[taskID]
			if !ok {
				continue
			}
			abandoned = append(abandoned, task)
			delete(m.waiting, taskID)
			delete(m.unmet, taskID)
			frontier = append(frontier, taskID)
		}
		delete(m.dependents, id)
	}
	return abandoned
}

// Remove stops tracking a parked task. It reports whether it was parked.
func (m *DependencyManager) Remove(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.waiting[taskID]; !ok {
		return false
	}
	delete(m.waiting, taskID)
	delete(m.unmet, taskID)
	return true
}

// Waiting returns the number of parked tasks
func (m *DependencyManager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}
