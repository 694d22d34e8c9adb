// Package task defines the task runtime record, its state machine, and the
// durable task registry.
package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State is the task lifecycle state.
type State string

const (
	StateQueued           State = "queued"
	StateCreatingWorktree State = "creating_worktree"
	StateRunning          State = "running"
	StateReview           State = "review"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCleaning         State = "cleaning"
)

// transitions is the permitted edge set of the state machine.
var transitions = map[State][]State{
	StateQueued:           {StateCreatingWorktree, StateFailed},
	StateCreatingWorktree: {StateRunning, StateFailed},
	StateRunning:          {StateReview, StateFailed, StateCleaning},
	StateReview:           {StateRunning, StateCompleted, StateFailed, StateCleaning},
	StateCompleted:        {StateCleaning},
	StateFailed:           {StateCleaning},
	StateCleaning:         {StateCompleted, StateFailed},
}

// Known reports whether s is a defined state.
func (s State) Known() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ModelSelection names a provider/model pair chosen for a task.
type ModelSelection struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// Task is the central runtime record. Mutated exclusively by the
// orchestrator and persisted after every change.
type Task struct {
	ID                string          `json:"taskId"`
	ProjectID         string          `json:"projectId"`
	State             State           `json:"state"`
	InitialPrompt     string          `json:"initialPrompt,omitempty"`
	WorktreeDirectory string          `json:"worktreeDirectory,omitempty"`
	SessionID         string          `json:"sessionID,omitempty"`
	Error             string          `json:"error,omitempty"`
	Model             *ModelSelection `json:"model,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Validate enforces the record invariants. It runs on every mutation and
// on registry load.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return errors.New("task projectId is required")
	}
	if !t.State.Known() {
		return fmt.Errorf("unknown task state %q", t.State)
	}
	if t.CreatedAt.IsZero() || t.UpdatedAt.IsZero() {
		return errors.New("task timestamps are required")
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return errors.New("task updatedAt precedes createdAt")
	}
	if t.WorktreeDirectory != "" && !filepath.IsAbs(t.WorktreeDirectory) {
		return fmt.Errorf("task worktreeDirectory must be absolute: %s", t.WorktreeDirectory)
	}

	switch t.State {
	case StateQueued:
		if t.WorktreeDirectory != "" {
			return errors.New("queued task must not have a worktree")
		}
		if t.SessionID != "" {
			return errors.New("queued task must not have a session")
		}
	case StateCreatingWorktree:
		if t.SessionID != "" {
			return errors.New("creating_worktree task must not have a session")
		}
	case StateRunning, StateReview, StateCompleted:
		if t.WorktreeDirectory == "" {
			return fmt.Errorf("%s task requires a worktree", t.State)
		}
		if t.SessionID == "" {
			return fmt.Errorf("%s task requires a session", t.State)
		}
	case StateCleaning:
		if t.WorktreeDirectory == "" {
			return errors.New("cleaning task requires a worktree")
		}
	case StateFailed:
		if strings.TrimSpace(t.Error) == "" {
			return errors.New("failed task requires an error")
		}
	}
	return nil
}

// TaskScope implements the bus.TaskScoped contract for event derivation.
func (t *Task) TaskScope() (string, string) {
	return t.ID, t.ProjectID
}

// Clone returns an independent copy.
func (t *Task) Clone() *Task {
	copied := *t
	if t.Model != nil {
		model := *t.Model
		copied.Model = &model
	}
	return &copied
}
