package orchestrator

import "time"

// queuedTask is one pending run waiting for a scheduler slot.
type queuedTask struct {
	TaskID   string
	QueuedAt time.Time
	Run      *pendingRun
}

// taskQueue is a FIFO of pending runs with O(1) membership checks. It has
// no lock of its own; the orchestrator mutex guards every call.
type taskQueue struct {
	entries []*queuedTask
	ids     map[string]struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ids: make(map[string]struct{})}
}

// Enqueue appends a run. Callers check for duplicates first.
func (q *taskQueue) Enqueue(taskID string, run *pendingRun) {
	q.entries = append(q.entries, &queuedTask{
		TaskID:   taskID,
		QueuedAt: time.Now().UTC(),
		Run:      run,
	})
	q.ids[taskID] = struct{}{}
}

// Dequeue pops the oldest entry, reporting false when the queue is empty.
func (q *taskQueue) Dequeue() (*queuedTask, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	entry := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	delete(q.ids, entry.TaskID)
	return entry, true
}

// Remove drops the entry for taskID wherever it sits in the queue.
func (q *taskQueue) Remove(taskID string) (*pendingRun, bool) {
	if _, exists := q.ids[taskID]; !exists {
		return nil, false
	}
	for i, entry := range q.entries {
		if entry.TaskID != taskID {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		delete(q.ids, taskID)
		return entry.Run, true
	}
	return nil, false
}

// Contains reports whether taskID is queued.
func (q *taskQueue) Contains(taskID string) bool {
	_, exists := q.ids[taskID]
	return exists
}

// Len returns the number of queued entries.
func (q *taskQueue) Len() int {
	return len(q.entries)
}
