package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/crawl-control/internal/model"
)

func newQueuedTask(id string, p model.TaskPriority) *model.Task {
	return &model.Task{ID: id, Priority: p, Status: model.TaskStatusPending}
}

func TestTaskQueue(t *testing.T) {
	t.Run("Strict Priority Then FIFO", func(t *testing.T) {
		q := NewTaskQueue()
		require.NoError(t, q.Put(newQueuedTask("low-1", model.TaskPriorityLow)))
		require.NoError(t, q.Put(newQueuedTask("high-1", model.TaskPriorityHigh)))
		require.NoError(t, q.Put(newQueuedTask("low-2", model.TaskPriorityLow)))
		require.NoError(t, q.Put(newQueuedTask("critical", model.TaskPriorityCritical)))
		require.NoError(t, q.Put(newQueuedTask("high-2", model.TaskPriorityHigh)))
		require.NoError(t, q.Put(newQueuedTask("bg", model.TaskPriorityBackground)))

		var order []string
		for {
			task, ok := q.TryDequeue()
			if !ok {
				break
			}
			order = append(order, task.ID)
		}
		assert.Equal(t, []string{"critical", "high-1", "high-2", "low-1", "low-2", "bg"}, order)
	})

	t.Run("Invalid Priority", func(t *testing.T) {
		q := NewTaskQueue()
		assert.ErrorIs(t, q.Put(newQueuedTask("x", 9)), ErrInvalidPriority)
	})

	t.Run("Dequeue Timeout", func(t *testing.T) {
		q := NewTaskQueue()
		_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrQueueEmpty)
	})

	t.Run("Dequeue Wakes On Put", func(t *testing.T) {
		q := NewTaskQueue()
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = q.Put(newQueuedTask("late", model.TaskPriorityMedium))
		}()
		task, err := q.Dequeue(context.Background(), 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "late", task.ID)
	})

	t.Run("Dequeue Honours Context", func(t *testing.T) {
		q := NewTaskQueue()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.Dequeue(ctx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Remove", func(t *testing.T) {
		q := NewTaskQueue()
		require.NoError(t, q.Put(newQueuedTask("a", model.TaskPriorityMedium)))
		require.NoError(t, q.Put(newQueuedTask("b", model.TaskPriorityMedium)))
		assert.True(t, q.Remove("a"))
		assert.False(t, q.Remove("a"))
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 1, q.LenByPriority()[model.TaskPriorityMedium])
	})
}
