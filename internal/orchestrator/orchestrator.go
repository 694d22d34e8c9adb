// Package orchestrator drives tasks from enqueue to a terminal state. It
// owns:
//
//   - A bounded FIFO scheduler dispatching at most MaxConcurrent pipelines
//   - The task state machine and its durable records
//   - The execution pipeline: worktree, session, prompt, review
//   - Post-review operations: follow-up prompts, merge, delete
//
// The orchestrator is the only writer of task records; collaborators are
// explicit constructor dependencies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/common/tracing"
	"github.com/taskdeck/taskdeck/internal/conversation"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/project"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// Common errors
var (
	// ErrTaskExists is returned when enqueueing a task that is already
	// queued or running.
	ErrTaskExists = errors.New("task already queued or running")
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when an operation cannot apply to a
	// running task.
	ErrTaskRunning = errors.New("task is running")
	// ErrStopped is returned after Stop; no new work is accepted.
	ErrStopped = errors.New("orchestrator is stopped")
)

// DefaultMaxConcurrent is the scheduler cap when none is configured.
const DefaultMaxConcurrent = 2

// Config tunes scheduling and cleanup behavior.
type Config struct {
	MaxConcurrent    int
	CleanupOnSuccess worktree.CleanupPolicy
	CleanupOnFailure worktree.CleanupPolicy
}

// WorktreeManager is the slice of the worktree manager the orchestrator
// drives.
type WorktreeManager interface {
	CreateTaskWorktree(ctx context.Context, projectDirectory, taskID string) (*worktree.ManagedWorktree, error)
	CleanupTaskWorktree(ctx context.Context, req worktree.CleanupRequest) (*worktree.CleanupResult, error)
	MergeTaskWorktree(ctx context.Context, projectDirectory, taskID, worktreeDirectory string) (*worktree.MergeResult, error)
}

// ConversationManager is the slice of the conversation manager the
// orchestrator drives.
type ConversationManager interface {
	CreateTaskSession(ctx context.Context, req conversation.CreateSessionRequest) (*conversation.Session, error)
	SendInitialPromptAndAwaitMessages(ctx context.Context, req conversation.PromptRequest) (*conversation.PromptResult, error)
	SendFollowUpPromptAndAwaitMessages(ctx context.Context, req conversation.PromptRequest) (*conversation.PromptResult, error)
	AbortSession(sessionID string)
}

// Dependencies are the collaborators the orchestrator composes.
type Dependencies struct {
	Logger    *logger.Logger
	Bus       *bus.Bus
	Projects  *project.Registry
	Tasks     *task.Registry
	Worktrees WorktreeManager
	Sessions  ConversationManager
}

// RunTaskInput describes a task to enqueue. TaskID is optional; a blank
// one gets a generated id. ProjectID falls back to the active project.
type RunTaskInput struct {
	TaskID        string
	ProjectID     string
	InitialPrompt string
	Agent         string
	Model         *task.ModelSelection
	Timestamp     time.Time
}

// runOutcome resolves the waiter blocked in RunTask.
type runOutcome struct {
	record *task.Task
	err    error
}

// pendingRun tracks a task between enqueue and waiter resolution. The
// outcome channel is buffered so pipelines never block on an absent
// waiter (replayed runs have none).
type pendingRun struct {
	input   RunTaskInput
	outcome chan runOutcome
	replay  bool
}

// Status contains scheduler statistics.
type Status struct {
	RunningCount  int   `json:"runningCount"`
	QueueSize     int   `json:"queueSize"`
	MaxConcurrent int   `json:"maxConcurrent"`
	TotalStarted  int64 `json:"totalStarted"`
	TotalFinished int64 `json:"totalFinished"`
}

// Orchestrator owns the task queue, the running set, and every task
// record mutation.
type Orchestrator struct {
	cfg       Config
	logger    *logger.Logger
	tracer    trace.Tracer
	bus       *bus.Bus
	projects  *project.Registry
	tasks     *task.Registry
	worktrees WorktreeManager
	sessions  ConversationManager

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	queue   *taskQueue
	running map[string]*pendingRun
	records map[string]*task.Task
	stopped bool

	// Statistics
	totalStarted  int64
	totalFinished int64
}

// New creates an orchestrator. Initialization, including the replay of
// persisted tasks, is deferred to the first operation.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Bus == nil {
		return nil, errors.New("orchestrator requires an event bus")
	}
	if deps.Projects == nil {
		return nil, errors.New("orchestrator requires a project registry")
	}
	if deps.Tasks == nil {
		return nil, errors.New("orchestrator requires a task registry")
	}
	if deps.Worktrees == nil {
		return nil, errors.New("orchestrator requires a worktree manager")
	}
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator requires a conversation manager")
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CleanupOnSuccess == "" {
		cfg.CleanupOnSuccess = worktree.PolicyKeep
	}
	if cfg.CleanupOnFailure == "" {
		cfg.CleanupOnFailure = worktree.PolicyKeep
	}

	return &Orchestrator{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "task-orchestrator")),
		tracer:    tracing.Tracer("task-orchestrator"),
		bus:       deps.Bus,
		projects:  deps.Projects,
		tasks:     deps.Tasks,
		worktrees: deps.Worktrees,
		sessions:  deps.Sessions,
		queue:     newTaskQueue(),
		running:   make(map[string]*pendingRun),
		records:   make(map[string]*task.Task),
	}, nil
}

// ensureInitialized loads persisted tasks exactly once; concurrent
// callers share the same initialization.
func (o *Orchestrator) ensureInitialized(ctx context.Context) error {
	o.initOnce.Do(func() {
		o.initErr = o.initialize(ctx)
	})
	return o.initErr
}

// initialize replays the task registry: queued records are re-enqueued
// without a waiter, records interrupted mid-pipeline fail, and settled
// records load as-is.
func (o *Orchestrator) initialize(ctx context.Context) error {
	records, err := o.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load task registry: %w", err)
	}

	var requeued, interrupted []*task.Task

	o.mu.Lock()
	for _, rec := range records {
		switch rec.State {
		case task.StateQueued:
			run := &pendingRun{
				input: RunTaskInput{
					TaskID:        rec.ID,
					ProjectID:     rec.ProjectID,
					InitialPrompt: rec.InitialPrompt,
					Model:         cloneModel(rec.Model),
					Timestamp:     rec.CreatedAt,
				},
				outcome: make(chan runOutcome, 1),
				replay:  true,
			}
			o.queue.Enqueue(rec.ID, run)
			o.records[rec.ID] = rec.Clone()
			requeued = append(requeued, rec.Clone())
		case task.StateCreatingWorktree, task.StateRunning, task.StateCleaning:
			rec.State = task.StateFailed
			rec.Error = "interrupted by restart"
			rec.UpdatedAt = time.Now().UTC()
			o.records[rec.ID] = rec.Clone()
			interrupted = append(interrupted, rec.Clone())
		default:
			o.records[rec.ID] = rec.Clone()
		}
	}
	o.mu.Unlock()

	for _, rec := range interrupted {
		o.logger.WithTaskID(rec.ID).Warn("task interrupted by restart, marking failed")
		if err := o.tasks.Upsert(ctx, rec.Clone()); err != nil {
			o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to persist task record")
		}
		o.bus.Emit(bus.TypeTaskStateChanged, rec.Clone())
		o.bus.Emit(bus.TypeTaskFailed, rec.Clone())
	}
	for _, rec := range requeued {
		o.bus.Emit(bus.TypeTaskEnqueued, rec.Clone())
	}

	o.logger.Info("task orchestrator initialized",
		zap.Int("loaded", len(records)),
		zap.Int("requeued", len(requeued)),
		zap.Int("interrupted", len(interrupted)),
		zap.Int("max_concurrent", o.cfg.MaxConcurrent))

	o.schedule()
	return nil
}

// RunTask enqueues a task and blocks until its pipeline reaches review or
// fails. The pipeline itself is not bound to ctx: cancelling only
// abandons the wait.
func (o *Orchestrator) RunTask(ctx context.Context, input RunTaskInput) (*task.Task, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	input.TaskID = strings.TrimSpace(input.TaskID)
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	input.InitialPrompt = strings.TrimSpace(input.InitialPrompt)
	input.Agent = strings.TrimSpace(input.Agent)
	if input.TaskID == "" {
		input.TaskID = uuid.NewString()
	}
	if input.InitialPrompt == "" {
		return nil, errors.New("initial prompt is required")
	}
	if input.Model != nil {
		if strings.TrimSpace(input.Model.Provider) == "" || strings.TrimSpace(input.Model.ID) == "" {
			return nil, errors.New("model selection requires both provider and id")
		}
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now().UTC()
	} else {
		input.Timestamp = input.Timestamp.UTC()
	}

	if input.ProjectID == "" {
		active, err := o.projects.GetActiveProjectID(ctx)
		if err != nil {
			return nil, err
		}
		if active == "" {
			return nil, project.ErrNoActiveProject
		}
		input.ProjectID = active
	}

	rec := &task.Task{
		ID:            input.TaskID,
		ProjectID:     input.ProjectID,
		State:         task.StateQueued,
		InitialPrompt: input.InitialPrompt,
		Model:         cloneModel(input.Model),
		CreatedAt:     input.Timestamp,
		UpdatedAt:     input.Timestamp,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	run := &pendingRun{input: input, outcome: make(chan runOutcome, 1)}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	if o.queue.Contains(rec.ID) || o.running[rec.ID] != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, rec.ID)
	}
	o.queue.Enqueue(rec.ID, run)
	o.records[rec.ID] = rec.Clone()
	o.mu.Unlock()

	if err := o.tasks.Upsert(ctx, rec.Clone()); err != nil {
		o.logger.WithTaskID(rec.ID).WithError(err).Warn("failed to persist queued task")
	}
	o.logger.WithTaskID(rec.ID).WithProjectID(rec.ProjectID).Info("task enqueued")
	o.bus.Emit(bus.TypeTaskEnqueued, rec.Clone())
	o.schedule()

	select {
	case outcome := <-run.outcome:
		return outcome.record, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// schedule dispatches queued work while capacity remains. It runs after
// every enqueue and every finished execution.
func (o *Orchestrator) schedule() {
	for {
		o.mu.Lock()
		if o.stopped || len(o.running) >= o.cfg.MaxConcurrent {
			o.mu.Unlock()
			return
		}
		entry, ok := o.queue.Dequeue()
		if !ok {
			o.mu.Unlock()
			return
		}
		o.running[entry.TaskID] = entry.Run
		o.mu.Unlock()

		atomic.AddInt64(&o.totalStarted, 1)
		go o.runPipeline(entry.TaskID, entry.Run)
	}
}

// runPipeline executes one dequeued task, releases its slot, resolves its
// waiter, and refills the scheduler.
func (o *Orchestrator) runPipeline(taskID string, run *pendingRun) {
	record, err := o.execute(context.Background(), taskID, run)

	o.mu.Lock()
	delete(o.running, taskID)
	o.mu.Unlock()
	atomic.AddInt64(&o.totalFinished, 1)

	run.outcome <- runOutcome{record: record, err: err}
	o.schedule()
}

// Subscribe registers a bus listener, optionally filtered by event types.
// The returned disposer is idempotent.
func (o *Orchestrator) Subscribe(fn bus.Listener, types ...string) func() {
	sub := o.bus.Subscribe(fn, types...)
	return sub.Unsubscribe
}

// Status reports scheduler occupancy and lifetime counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		RunningCount:  len(o.running),
		QueueSize:     o.queue.Len(),
		MaxConcurrent: o.cfg.MaxConcurrent,
		TotalStarted:  atomic.LoadInt64(&o.totalStarted),
		TotalFinished: atomic.LoadInt64(&o.totalFinished),
	}
}

// GetTask returns the orchestrator's view of a task record.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	rec := o.snapshot(strings.TrimSpace(taskID))
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return rec, nil
}

// ListTasks returns every known task sorted by creation time then id.
func (o *Orchestrator) ListTasks(ctx context.Context) ([]*task.Task, error) {
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	out := make([]*task.Task, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Stop halts scheduling, fails queued waiters, and aborts the sessions of
// in-flight tasks. Task state is not mutated; startup reconciliation
// settles interrupted runs on the next boot.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true

	var waiters []*pendingRun
	for {
		entry, ok := o.queue.Dequeue()
		if !ok {
			break
		}
		waiters = append(waiters, entry.Run)
	}

	var sessionIDs []string
	for taskID := range o.running {
		if rec := o.records[taskID]; rec != nil && rec.SessionID != "" {
			sessionIDs = append(sessionIDs, rec.SessionID)
		}
	}
	o.mu.Unlock()

	for _, run := range waiters {
		run.outcome <- runOutcome{err: ErrStopped}
	}
	for _, sessionID := range sessionIDs {
		o.sessions.AbortSession(sessionID)
	}

	o.logger.Info("task orchestrator stopped",
		zap.Int("failed_waiters", len(waiters)),
		zap.Int("aborted_sessions", len(sessionIDs)))
}

// snapshot returns a clone of the in-memory record, nil when unknown.
func (o *Orchestrator) snapshot(taskID string) *task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, exists := o.records[taskID]; exists {
		return rec.Clone()
	}
	return nil
}

// storeRecord replaces the in-memory record with a clone of rec.
func (o *Orchestrator) storeRecord(rec *task.Task) {
	o.mu.Lock()
	o.records[rec.ID] = rec.Clone()
	o.mu.Unlock()
}

func cloneModel(m *task.ModelSelection) *task.ModelSelection {
	if m == nil {
		return nil
	}
	copied := *m
	return &copied
}
