package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/t77yq/crawl-control/internal/model"
)

// TaskQueue keeps one FIFO per priority level. Dequeue always serves the
// highest non-empty level first.
type TaskQueue struct {
	mu     sync.Mutex
	queues map[model.TaskPriority][]*model.Task
	signal chan struct{}
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		queues: make(map[model.TaskPriority][]*model.Task),
		signal: make(chan struct{}, 1),
	}
	for _, p := range model.Priorities() {
		q.queues[p] = nil
	}
	return q
}

// Put appends task to the FIFO of its priority
func (q *TaskQueue) Put(task *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[task.Priority]; !ok {
		return ErrInvalidPriority
	}
	q.queues[task.Priority] = append(q.queues[task.Priority], task)
	q.notify()
	return nil
}

// TryDequeue pops the head of the highest non-empty priority without waiting
func (q *TaskQueue) TryDequeue() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range model.Priorities() {
		fifo := q.queues[p]
		if len(fifo) == 0 {
			continue
		}
		task := fifo[0]
		fifo[0] = nil
		q.queues[p] = fifo[1:]
		if q.lenLocked() > 0 {
			// wake another waiter for the remaining work
			q.notify()
		}
		return task, true
	}
	return nil, false
}

// Dequeue waits up to timeout for a task. It returns ErrQueueEmpty when the
// timeout elapses and ctx.Err() when ctx is done.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if task, ok := q.TryDequeue(); ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrQueueEmpty
		case <-q.signal:
		}
	}
}

// Remove drops a queued task by id. It reports whether the task was queued.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p, fifo := range q.queues {
		for i, task := range fifo {
			if task.ID == taskID {
				q.queues[p] = append(fifo[:i:i], fifo[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// LenByPriority returns the number of queued tasks per priority
func (q *TaskQueue) LenByPriority() map[model.TaskPriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[model.TaskPriority]int, len(q.queues))
	for p, fifo := range q.queues {
		out[p] = len(fifo)
	}
	return out
}

func (q *TaskQueue) lenLocked() int {
	n := 0
	for _, fifo := range q.queues {
		n += len(fifo)
	}
	return n
}

func (q *TaskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
