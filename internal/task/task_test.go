package task

import (
	"testing"
	"time"
)

func validTask(state State) *Task {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t := &Task{
		ID:        "task-1",
		ProjectID: "proj-1",
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch state {
	case StateRunning, StateReview, StateCompleted:
		t.WorktreeDirectory = "/tmp/worktrees/task-1"
		t.SessionID = "sess-1"
	case StateCleaning:
		t.WorktreeDirectory = "/tmp/worktrees/task-1"
	case StateFailed:
		t.Error = "boom"
	}
	return t
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateQueued, StateCreatingWorktree},
		{StateQueued, StateFailed},
		{StateCreatingWorktree, StateRunning},
		{StateCreatingWorktree, StateFailed},
		{StateRunning, StateReview},
		{StateRunning, StateFailed},
		{StateRunning, StateCleaning},
		{StateReview, StateRunning},
		{StateReview, StateCompleted},
		{StateReview, StateFailed},
		{StateReview, StateCleaning},
		{StateCompleted, StateCleaning},
		{StateFailed, StateCleaning},
		{StateCleaning, StateCompleted},
		{StateCleaning, StateFailed},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateReview},
		{StateCreatingWorktree, StateReview},
		{StateRunning, StateCompleted},
		{StateCompleted, StateRunning},
		{StateFailed, StateQueued},
		{StateCleaning, StateRunning},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be denied", tt.from, tt.to)
		}
	}
}

func TestTask_Validate_AllStates(t *testing.T) {
	for state := range map[State][]State(transitions) {
		if err := validTask(state).Validate(); err != nil {
			t.Errorf("expected valid %s task, got %v", state, err)
		}
	}
}

func TestTask_Validate_Invariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		state  State
	}{
		{
			name:   "empty id",
			state:  StateQueued,
			mutate: func(task *Task) { task.ID = " " },
		},
		{
			name:   "empty projectId",
			state:  StateQueued,
			mutate: func(task *Task) { task.ProjectID = "" },
		},
		{
			name:   "unknown state",
			state:  StateQueued,
			mutate: func(task *Task) { task.State = "paused" },
		},
		{
			name:   "zero createdAt",
			state:  StateQueued,
			mutate: func(task *Task) { task.CreatedAt = time.Time{} },
		},
		{
			name:   "updatedAt before createdAt",
			state:  StateQueued,
			mutate: func(task *Task) { task.UpdatedAt = task.CreatedAt.Add(-time.Second) },
		},
		{
			name:   "queued with worktree",
			state:  StateQueued,
			mutate: func(task *Task) { task.WorktreeDirectory = "/tmp/wt" },
		},
		{
			name:   "queued with session",
			state:  StateQueued,
			mutate: func(task *Task) { task.SessionID = "sess-1" },
		},
		{
			name:   "creating_worktree with session",
			state:  StateCreatingWorktree,
			mutate: func(task *Task) { task.SessionID = "sess-1" },
		},
		{
			name:   "running without worktree",
			state:  StateRunning,
			mutate: func(task *Task) { task.WorktreeDirectory = "" },
		},
		{
			name:   "running without session",
			state:  StateRunning,
			mutate: func(task *Task) { task.SessionID = "" },
		},
		{
			name:   "review without session",
			state:  StateReview,
			mutate: func(task *Task) { task.SessionID = "" },
		},
		{
			name:   "cleaning without worktree",
			state:  StateCleaning,
			mutate: func(task *Task) { task.WorktreeDirectory = "" },
		},
		{
			name:   "failed without error",
			state:  StateFailed,
			mutate: func(task *Task) { task.Error = "  " },
		},
		{
			name:   "relative worktree",
			state:  StateCleaning,
			mutate: func(task *Task) { task.WorktreeDirectory = "relative/wt" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask(tt.state)
			tt.mutate(task)
			if err := task.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestTask_Clone(t *testing.T) {
	original := validTask(StateReview)
	original.Model = &ModelSelection{Provider: "anthropic", ID: "claude-sonnet-4"}

	copied := original.Clone()
	copied.SessionID = "other"
	copied.Model.ID = "other-model"

	if original.SessionID != "sess-1" {
		t.Error("expected clone to not share scalar fields")
	}
	if original.Model.ID != "claude-sonnet-4" {
		t.Error("expected clone to not share the model pointer")
	}
}

func TestTask_TaskScope(t *testing.T) {
	task := validTask(StateQueued)
	taskID, projectID := task.TaskScope()
	if taskID != "task-1" || projectID != "proj-1" {
		t.Errorf("unexpected scope %s/%s", taskID, projectID)
	}
}
