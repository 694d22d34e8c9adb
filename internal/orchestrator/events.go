package orchestrator

import (
	"github.com/taskdeck/taskdeck/internal/conversation"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

// Envelope payloads for the composite lifecycle events. Plain lifecycle
// events (task.enqueued, task.state.changed, task.review, task.failed)
// carry the task record itself; the types here pair the record with the
// collaborator result the event announces. All implement bus.TaskScoped
// so derived UI updates and log entries carry task and project ids.

// WorktreePayload accompanies task.worktree.created.
type WorktreePayload struct {
	Task     *task.Task                `json:"task"`
	Worktree *worktree.ManagedWorktree `json:"worktree"`
}

func (p WorktreePayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }

// SessionPayload accompanies task.session.created.
type SessionPayload struct {
	Task    *task.Task            `json:"task"`
	Session *conversation.Session `json:"session"`
}

func (p SessionPayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }

// MessagePayload accompanies task.session.message.received.
type MessagePayload struct {
	Task    *task.Task       `json:"task"`
	Message opencode.Message `json:"message"`
}

func (p MessagePayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }

// PromptPayload accompanies task.prompt.submitted.
type PromptPayload struct {
	Task       *task.Task                    `json:"task"`
	Submission conversation.PromptSubmission `json:"submission"`
}

func (p PromptPayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }

// MergePayload accompanies task.merged.
type MergePayload struct {
	Task   *task.Task `json:"task"`
	Branch string     `json:"branch"`
}

func (p MergePayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }

// CleanupPayload accompanies task.cleanup.completed.
type CleanupPayload struct {
	Task   *task.Task              `json:"task"`
	Result *worktree.CleanupResult `json:"result"`
}

func (p CleanupPayload) TaskScope() (string, string) { return p.Task.ID, p.Task.ProjectID }
