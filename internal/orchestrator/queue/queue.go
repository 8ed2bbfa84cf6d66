// Package queue holds tasks waiting for an agent.
package queue

import (
	"container/list"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

var (
	// ErrTaskExists is returned when a task with the same ID is already pending
	ErrTaskExists = errors.New("task already exists in queue")
	// ErrNilTask is returned when a nil descriptor is offered
	ErrNilTask = errors.New("task is nil")
)

// TaskQueue is a FIFO of pending tasks where retried work can jump to the
// head. It does no locking of its own: the orchestrator service serializes
// every call under its coordinator lock.
type TaskQueue struct {
	items *list.List
	index map[string]*list.Element
	now   func() time.Time
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		items: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for EnqueuedAt
func (q *TaskQueue) SetClock(now func() time.Time) {
	q.now = now
}

// NewTaskID returns a random 32-character hex identifier
func NewTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Enqueue appends task to the tail, assigning an ID when absent. It returns
// the ID and the pending count after insertion.
func (q *TaskQueue) Enqueue(task *v1.Task) (string, int, error) {
	if task == nil {
		return "", q.items.Len(), ErrNilTask
	}
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if _, exists := q.index[task.ID]; exists {
		return task.ID, q.items.Len(), ErrTaskExists
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	q.index[task.ID] = q.items.PushBack(task)
	return task.ID, q.items.Len(), nil
}

// Dequeue pops the head task, if any
func (q *TaskQueue) Dequeue() (*v1.Task, bool) {
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	task := q.items.Remove(front).(*v1.Task)
	delete(q.index, task.ID)
	return task, true
}

// RequeueFront puts a previously dequeued task back at the head and counts
// the attempt.
func (q *TaskQueue) RequeueFront(task *v1.Task) error {
	if task == nil {
		return ErrNilTask
	}
	if _, exists := q.index[task.ID]; exists {
		return ErrTaskExists
	}
	task.Attempts++
	q.index[task.ID] = q.items.PushFront(task)
	return nil
}

// Remove drops a pending task by ID
func (q *TaskQueue) Remove(taskID string) bool {
	elem, ok := q.index[taskID]
	if !ok {
		return false
	}
	q.items.Remove(elem)
	delete(q.index, taskID)
	return true
}

// Contains reports whether taskID is pending
func (q *TaskQueue) Contains(taskID string) bool {
	_, ok := q.index[taskID]
	return ok
}

// Position returns the 1-based queue position of taskID, 0 if not pending
func (q *TaskQueue) Position(taskID string) int {
	if _, ok := q.index[taskID]; !ok {
		return 0
	}
	pos := 1
	for e := q.items.Front(); e != nil; e = e.Next() {
		if e.Value.(*v1.Task).ID == taskID {
			return pos
		}
		pos++
	}
	return 0
}

// Len returns the number of pending tasks
func (q *TaskQueue) Len() int {
	return q.items.Len()
}

// List returns the pending tasks in dispatch order
func (q *TaskQueue) List() []*v1.Task {
	out := make([]*v1.Task, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*v1.Task))
	}
	return out
}
