package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/conversation"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/project"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

// TaskExecution carries whatever collaborators a pipeline created before
// it finished or failed.
type TaskExecution struct {
	Project          *project.Project
	Worktree         *worktree.ManagedWorktree
	Session          *conversation.Session
	PromptSubmission *conversation.PromptSubmission
	Cleanup          *worktree.CleanupResult
}

// TaskRunFailedError reports a failed run together with the final task
// record and the partial execution, so callers can assert on both.
type TaskRunFailedError struct {
	Task      *task.Task
	Execution *TaskExecution
	Err       error
}

func (e *TaskRunFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s failed", e.Task.ID)
	}
	return fmt.Sprintf("task %s failed: %v", e.Task.ID, e.Err)
}

func (e *TaskRunFailedError) Unwrap() error { return e.Err }

// execute drives one dequeued task through worktree creation, session
// creation, and the initial prompt, ending in review. Any failure marks
// the task failed, runs the failure cleanup, and emits task.failed.
func (o *Orchestrator) execute(ctx context.Context, taskID string, run *pendingRun) (*task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	exec := &TaskExecution{}
	rec := o.snapshot(taskID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	log := o.logger.WithTaskID(rec.ID).WithProjectID(rec.ProjectID)
	log.Info("task execution started")

	proj, err := o.resolveProject(ctx, rec.ProjectID)
	if err != nil {
		return o.failRun(ctx, rec, exec, err)
	}
	exec.Project = proj

	if err := o.transition(ctx, rec, task.StateCreatingWorktree, nil); err != nil {
		return o.failRun(ctx, rec, exec, err)
	}

	wt, err := o.worktrees.CreateTaskWorktree(ctx, proj.RootDirectory, rec.ID)
	if err != nil {
		return o.failRun(ctx, rec, exec, fmt.Errorf("worktree create failed: %w", err))
	}
	exec.Worktree = wt
	if err := o.patchRecord(ctx, rec, func(t *task.Task) { t.WorktreeDirectory = wt.Directory }); err != nil {
		return o.failRun(ctx, rec, exec, err)
	}
	o.bus.Emit(bus.TypeTaskWorktreeCreated, WorktreePayload{Task: rec.Clone(), Worktree: wt})

	session, err := o.sessions.CreateTaskSession(ctx, conversation.CreateSessionRequest{
		ProjectID:         proj.ID,
		TaskID:            rec.ID,
		ProjectDirectory:  proj.RootDirectory,
		WorktreeDirectory: wt.Directory,
		Title:             sessionTitle(run.input.InitialPrompt),
	})
	if err != nil {
		return o.failRun(ctx, rec, exec, fmt.Errorf("session create failed: %w", err))
	}
	exec.Session = session
	o.bus.Emit(bus.TypeTaskSessionCreated, SessionPayload{Task: rec.Clone(), Session: session})

	if err := o.transition(ctx, rec, task.StateRunning, func(t *task.Task) { t.SessionID = session.ID }); err != nil {
		return o.failRun(ctx, rec, exec, err)
	}

	agent, model, err := o.promptDefaults(run.input, proj)
	if err != nil {
		return o.failRun(ctx, rec, exec, err)
	}
	result, err := o.sessions.SendInitialPromptAndAwaitMessages(ctx, conversation.PromptRequest{
		SessionID:         session.ID,
		Prompt:            run.input.InitialPrompt,
		WorktreeDirectory: wt.Directory,
		Agent:             agent,
		Model:             model,
		OnMessage: func(msg opencode.Message) {
			o.bus.Emit(bus.TypeTaskSessionMessageReceived, MessagePayload{Task: rec.Clone(), Message: msg})
		},
	})
	if err != nil {
		return o.failRun(ctx, rec, exec, fmt.Errorf("prompt failed: %w", err))
	}
	exec.PromptSubmission = &result.Submission
	o.bus.Emit(bus.TypeTaskPromptSubmitted, PromptPayload{Task: rec.Clone(), Submission: result.Submission})

	if err := o.transition(ctx, rec, task.StateReview, nil); err != nil {
		return o.failRun(ctx, rec, exec, err)
	}
	o.bus.Emit(bus.TypeTaskReview, rec.Clone())

	log.WithSessionID(session.ID).Info("task awaiting review",
		zap.String("worktree", wt.Directory),
		zap.Int("messages", len(result.Messages)))
	return rec.Clone(), nil
}

// failRun settles a failed pipeline: the task is marked failed (or has
// its error overwritten), the failure cleanup runs, and exactly one
// task.failed is emitted for the run.
func (o *Orchestrator) failRun(ctx context.Context, rec *task.Task, exec *TaskExecution, cause error) (*task.Task, error) {
	o.logger.WithSource("task-orchestrator.execute").WithTaskID(rec.ID).WithError(cause).Error(
		"task execution failed", zap.String("state", string(rec.State)))

	if rec.State == task.StateFailed {
		if err := o.patchRecord(ctx, rec, func(t *task.Task) { t.Error = cause.Error() }); err != nil {
			o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to record task error")
		}
	} else if err := o.transition(ctx, rec, task.StateFailed, func(t *task.Task) { t.Error = cause.Error() }); err != nil {
		o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to mark task failed")
	}

	o.runCleanup(ctx, rec, exec, o.cfg.CleanupOnFailure)
	o.bus.Emit(bus.TypeTaskFailed, rec.Clone())
	return nil, &TaskRunFailedError{Task: rec.Clone(), Execution: exec, Err: cause}
}

// runCleanup applies the worktree cleanup policy once a task has settled
// in completed or failed. A task without a worktree is left as-is. On
// cleanup failure the task ends failed with the cleanup reason appended
// to any prior error; task.failed is emitted here only when the task had
// none before (the failure path emits its own).
func (o *Orchestrator) runCleanup(ctx context.Context, rec *task.Task, exec *TaskExecution, policy worktree.CleanupPolicy) {
	if rec.WorktreeDirectory == "" {
		return
	}
	hadError := rec.Error != ""

	if rec.State != task.StateCleaning {
		if err := o.transition(ctx, rec, task.StateCleaning, nil); err != nil {
			o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to begin cleanup")
			return
		}
	}

	projectDirectory := ""
	if exec.Project != nil {
		projectDirectory = exec.Project.RootDirectory
	}
	result, err := o.worktrees.CleanupTaskWorktree(ctx, worktree.CleanupRequest{
		TaskID:            rec.ID,
		ProjectDirectory:  projectDirectory,
		WorktreeDirectory: rec.WorktreeDirectory,
		Policy:            policy,
	})
	if err != nil {
		o.logger.WithSource("task-orchestrator.cleanup").WithTaskID(rec.ID).WithError(err).Error(
			"worktree cleanup failed", zap.String("policy", string(policy)))
		message := "Cleanup failed: " + err.Error()
		if hadError {
			message = rec.Error + " " + message
		}
		if terr := o.transition(ctx, rec, task.StateFailed, func(t *task.Task) { t.Error = message }); terr != nil {
			o.logger.WithTaskID(rec.ID).WithError(terr).Warn("failed to record cleanup failure")
		}
		if !hadError {
			o.bus.Emit(bus.TypeTaskFailed, rec.Clone())
		}
		return
	}
	exec.Cleanup = result

	finalState := task.StateCompleted
	if hadError {
		finalState = task.StateFailed
	}
	if err := o.transition(ctx, rec, finalState, nil); err != nil {
		o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to finish cleanup")
		return
	}
	o.bus.Emit(bus.TypeTaskCleanupCompleted, CleanupPayload{Task: rec.Clone(), Result: result})
	o.logger.WithTaskID(rec.ID).Info("worktree cleanup completed",
		zap.String("policy", string(result.Policy)),
		zap.Bool("removed", result.Removed))
}

// transition moves rec to the next state: patch, stamp updatedAt,
// validate, persist, announce. The in-memory record is replaced on
// success; persistence failures are logged, never fatal.
func (o *Orchestrator) transition(ctx context.Context, rec *task.Task, to task.State, patch func(*task.Task)) error {
	if !task.CanTransition(rec.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", rec.State, to, rec.ID)
	}
	previous := rec.Clone()
	if patch != nil {
		patch(rec)
	}
	from := rec.State
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if err := rec.Validate(); err != nil {
		*rec = *previous
		return fmt.Errorf("transition to %s leaves task %s invalid: %w", to, rec.ID, err)
	}

	o.storeRecord(rec)
	if err := o.tasks.Upsert(ctx, rec.Clone()); err != nil {
		o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to persist task record")
	}
	o.logger.WithTaskID(rec.ID).Debug("task state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	o.bus.Emit(bus.TypeTaskStateChanged, rec.Clone())
	return nil
}

// patchRecord mutates rec without a state change: stamp, validate,
// persist. No task.state.changed is emitted.
func (o *Orchestrator) patchRecord(ctx context.Context, rec *task.Task, patch func(*task.Task)) error {
	previous := rec.Clone()
	patch(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := rec.Validate(); err != nil {
		*rec = *previous
		return fmt.Errorf("patch leaves task %s invalid: %w", rec.ID, err)
	}

	o.storeRecord(rec)
	if err := o.tasks.Upsert(ctx, rec.Clone()); err != nil {
		o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to persist task record")
	}
	return nil
}

// resolveProject looks up the project a task belongs to.
func (o *Orchestrator) resolveProject(ctx context.Context, projectID string) (*project.Project, error) {
	proj, err := o.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return proj, nil
}

// promptDefaults resolves the agent and model for the initial prompt:
// explicit input wins, then the project manifest fills the blanks.
func (o *Orchestrator) promptDefaults(input RunTaskInput, proj *project.Project) (string, *opencode.ModelRef, error) {
	agent := input.Agent
	var model *opencode.ModelRef
	if input.Model != nil {
		model = &opencode.ModelRef{ProviderID: input.Model.Provider, ModelID: input.Model.ID}
	}
	if agent != "" && model != nil {
		return agent, model, nil
	}

	manifest, err := project.LoadManifest(proj.RootDirectory)
	if err != nil {
		return "", nil, err
	}
	if manifest == nil {
		return agent, model, nil
	}
	if agent == "" {
		agent = strings.TrimSpace(manifest.Agent)
	}
	if model == nil && manifest.Model != nil {
		model = &opencode.ModelRef{ProviderID: manifest.Model.Provider, ModelID: manifest.Model.ID}
	}
	return agent, model, nil
}

// sessionTitle derives a session title from the first line of the
// prompt, capped at 80 runes.
func sessionTitle(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > 80 {
		line = string(runes[:80])
	}
	return line
}
