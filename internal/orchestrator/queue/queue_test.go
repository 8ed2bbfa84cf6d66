package queue

import (
	"testing"

	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

func newTask(id string) *v1.Task {
	return &v1.Task{ID: id, ArchiveURL: "https://example.invalid/" + id + ".zip", Cleanup: true}
}

func ids(tasks []*v1.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue()
	for i, id := range []string{"t1", "t2", "t3"} {
		_, pending, err := q.Enqueue(newTask(id))
		if err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
		if pending != i+1 {
			t.Errorf("Expected pending %d, got %d", i+1, pending)
		}
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Expected task %s, queue empty", want)
		}
		if got.ID != want {
			t.Errorf("Expected %s, got %s", want, got.ID)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Expected empty queue")
	}
}

func TestTaskQueue_AssignsID(t *testing.T) {
	q := NewTaskQueue()
	task := &v1.Task{ArchiveBase64: "UEsDBA=="}

	id, pending, err := q.Enqueue(task)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(id) != 32 || id != task.ID {
		t.Errorf("Expected generated 32-char id stored on task, got %q", id)
	}
	if pending != 1 {
		t.Errorf("Expected pending 1, got %d", pending)
	}
	if task.EnqueuedAt.IsZero() {
		t.Error("Expected EnqueuedAt to be set")
	}
}

func TestTaskQueue_DuplicateRejected(t *testing.T) {
	q := NewTaskQueue()
	if _, _, err := q.Enqueue(newTask("dup")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, _, err := q.Enqueue(newTask("dup")); err != ErrTaskExists {
		t.Errorf("Expected ErrTaskExists, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Expected length 1, got %d", q.Len())
	}
}

func TestTaskQueue_RequeueFront(t *testing.T) {
	q := NewTaskQueue()
	for _, id := range []string{"t1", "t2", "t3"} {
		_, _, _ = q.Enqueue(newTask(id))
	}

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()

	// Retried in reverse so the oldest attempt ends up at the head.
	if err := q.RequeueFront(second); err != nil {
		t.Fatalf("RequeueFront failed: %v", err)
	}
	if err := q.RequeueFront(first); err != nil {
		t.Fatalf("RequeueFront failed: %v", err)
	}
	if first.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", first.Attempts)
	}

	got := ids(q.List())
	want := []string{"t1", "t2", "t3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}

	// A newer arrival stays behind retried work.
	_, _, _ = q.Enqueue(newTask("t4"))
	head, _ := q.Dequeue()
	_ = q.RequeueFront(head)
	if pos := q.Position("t4"); pos != 4 {
		t.Errorf("Expected t4 at position 4, got %d", pos)
	}
	if err := q.RequeueFront(head); err != ErrTaskExists {
		t.Errorf("Expected ErrTaskExists when requeueing a pending task, got %v", err)
	}
}

func TestTaskQueue_RemoveContains(t *testing.T) {
	q := NewTaskQueue()
	_, _, _ = q.Enqueue(newTask("a"))
	_, _, _ = q.Enqueue(newTask("b"))

	if !q.Contains("a") {
		t.Error("Expected queue to contain a")
	}
	if !q.Remove("a") {
		t.Error("Expected Remove(a) to succeed")
	}
	if q.Remove("a") {
		t.Error("Expected second Remove(a) to fail")
	}
	if pos := q.Position("b"); pos != 1 {
		t.Errorf("Expected b at position 1, got %d", pos)
	}
	if q.Len() != 1 || q.Contains("a") {
		t.Error("Expected only b to remain after Remove")
	}
	if _, _, err := q.Enqueue(nil); err != ErrNilTask {
		t.Errorf("Expected ErrNilTask, got %v", err)
	}
}
