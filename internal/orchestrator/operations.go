package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/conversation"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

// claimForUpdate takes the scheduler slot of a review-state task so no
// pipeline or concurrent operation touches it. The release func frees
// the slot and refills the scheduler.
func (o *Orchestrator) claimForUpdate(taskID string) (*task.Task, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return nil, nil, ErrStopped
	}
	rec, exists := o.records[taskID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if o.running[taskID] != nil || o.queue.Contains(taskID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	if rec.State != task.StateReview {
		return nil, nil, fmt.Errorf("task %s is not awaiting review (state %s)", taskID, rec.State)
	}

	o.running[taskID] = &pendingRun{outcome: make(chan runOutcome, 1)}
	release := func() {
		o.mu.Lock()
		delete(o.running, taskID)
		o.mu.Unlock()
		o.schedule()
	}
	return rec.Clone(), release, nil
}

// SendFollowUpPrompt submits another prompt to a task awaiting review and
// waits for the session to settle again.
func (o *Orchestrator) SendFollowUpPrompt(ctx context.Context, taskID, prompt string) (*task.Task, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	taskID = strings.TrimSpace(taskID)
	prompt = strings.TrimSpace(prompt)
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	rec, release, err := o.claimForUpdate(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := o.logger.WithTaskID(taskID).WithSessionID(rec.SessionID)
	log.Info("sending follow-up prompt")

	if err := o.transition(ctx, rec, task.StateRunning, nil); err != nil {
		return nil, err
	}

	result, err := o.sessions.SendFollowUpPromptAndAwaitMessages(ctx, conversation.PromptRequest{
		SessionID:         rec.SessionID,
		Prompt:            prompt,
		WorktreeDirectory: rec.WorktreeDirectory,
		OnMessage: func(msg opencode.Message) {
			o.bus.Emit(bus.TypeTaskSessionMessageReceived, MessagePayload{Task: rec.Clone(), Message: msg})
		},
	})
	if err != nil {
		o.logger.WithSource("task-orchestrator.execute").WithTaskID(taskID).WithError(err).Error(
			"follow-up prompt failed")
		cause := fmt.Errorf("follow-up prompt failed: %w", err)
		if terr := o.transition(ctx, rec, task.StateFailed, func(t *task.Task) { t.Error = cause.Error() }); terr != nil {
			o.logger.WithTaskID(taskID).WithError(terr).Warn("failed to mark task failed")
		}
		o.bus.Emit(bus.TypeTaskFailed, rec.Clone())
		return nil, cause
	}
	o.bus.Emit(bus.TypeTaskPromptSubmitted, PromptPayload{Task: rec.Clone(), Submission: result.Submission})

	if err := o.transition(ctx, rec, task.StateReview, nil); err != nil {
		return nil, err
	}
	o.bus.Emit(bus.TypeTaskReview, rec.Clone())

	log.Info("follow-up prompt completed", zap.Int("messages", len(result.Messages)))
	return rec.Clone(), nil
}

// MergeTask merges a reviewed task's branch back into its project and
// applies the success cleanup policy. Merge conflicts fail the task.
func (o *Orchestrator) MergeTask(ctx context.Context, taskID string) (*task.Task, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("task id is required")
	}

	rec, release, err := o.claimForUpdate(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	if rec.WorktreeDirectory == "" {
		return nil, fmt.Errorf("task %s has no worktree to merge", taskID)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.merge",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	proj, err := o.resolveProject(ctx, rec.ProjectID)
	if err != nil {
		return nil, o.failMerge(ctx, rec, err)
	}

	result, err := o.worktrees.MergeTaskWorktree(ctx, proj.RootDirectory, rec.ID, rec.WorktreeDirectory)
	if err != nil {
		return nil, o.failMerge(ctx, rec, fmt.Errorf("merge failed: %w", err))
	}

	if err := o.transition(ctx, rec, task.StateCompleted, nil); err != nil {
		return nil, err
	}
	o.bus.Emit(bus.TypeTaskMerged, MergePayload{Task: rec.Clone(), Branch: result.Branch})
	o.logger.WithTaskID(taskID).Info("task merged", zap.String("branch", result.Branch))

	o.runCleanup(ctx, rec, &TaskExecution{Project: proj}, o.cfg.CleanupOnSuccess)
	return rec.Clone(), nil
}

// failMerge marks a task failed after an unsuccessful merge and returns
// the cause for the caller to surface.
func (o *Orchestrator) failMerge(ctx context.Context, rec *task.Task, cause error) error {
	o.logger.WithTaskID(rec.ID).WithError(cause).Error("task merge failed")
	if terr := o.transition(ctx, rec, task.StateFailed, func(t *task.Task) { t.Error = cause.Error() }); terr != nil {
		o.logger.WithTaskID(rec.ID).WithError(terr).Warn("failed to mark task failed")
	}
	o.bus.Emit(bus.TypeTaskFailed, rec.Clone())
	return cause
}

// DeleteTask removes a task that is not running. A queued entry is
// cancelled and its waiter failed; any worktree is force-removed
// best-effort. Reports whether a task was found.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, errors.New("task id is required")
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false, ErrStopped
	}
	if o.running[taskID] != nil {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	run, wasQueued := o.queue.Remove(taskID)
	rec := o.records[taskID]
	if rec != nil {
		rec = rec.Clone()
	}
	delete(o.records, taskID)
	o.mu.Unlock()

	if rec == nil && !wasQueued {
		return false, nil
	}

	if wasQueued && run != nil {
		run.outcome <- runOutcome{err: &TaskRunFailedError{
			Task:      rec,
			Execution: &TaskExecution{},
			Err:       errors.New("deleted before execution"),
		}}
	}

	if rec != nil && rec.WorktreeDirectory != "" {
		proj, err := o.projects.GetProject(ctx, rec.ProjectID)
		if err != nil {
			o.logger.WithTaskID(taskID).WithError(err).Warn("skipping worktree removal for deleted task")
		} else if _, err := o.worktrees.CleanupTaskWorktree(ctx, worktree.CleanupRequest{
			TaskID:            taskID,
			ProjectDirectory:  proj.RootDirectory,
			WorktreeDirectory: rec.WorktreeDirectory,
			Policy:            worktree.PolicyRemove,
		}); err != nil {
			o.logger.WithTaskID(taskID).WithError(err).Warn("failed to remove worktree for deleted task")
		}
	}

	if _, err := o.tasks.Remove(ctx, taskID); err != nil {
		o.logger.WithTaskID(taskID).WithError(err).Warn("failed to remove task from registry")
	}

	o.logger.WithTaskID(taskID).Info("task deleted", zap.Bool("was_queued", wasQueued))
	return true, nil
}
