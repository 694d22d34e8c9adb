// Package main is the taskdeck entry point. One binary wires the whole
// control plane: registries, event bus, agent runtime, worktree and
// conversation managers, and the task orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/common/tracing"
	"github.com/taskdeck/taskdeck/internal/conversation"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/events/journal"
	"github.com/taskdeck/taskdeck/internal/orchestrator"
	"github.com/taskdeck/taskdeck/internal/project"
	"github.com/taskdeck/taskdeck/internal/runtime"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

var (
	flagAddProject = flag.String("add-project", "", "register a project: name=<name>,path=</abs/repo>[,id=<id>]")
	flagList       = flag.Bool("list", false, "print registered projects and tasks")
	flagRun        = flag.Bool("run", false, "run a task and stream its events until review")
	flagTask       = flag.String("task", "", "task id (generated when omitted)")
	flagPrompt     = flag.String("prompt", "", "initial prompt for -run")
	flagProject    = flag.String("project", "", "project id (defaults to the active project)")
	flagAgent      = flag.String("agent", "", "agent name override")
	flagModel      = flag.String("model", "", "model override as provider/model")
	flagMerge      = flag.Bool("merge", false, "merge the task branch once the task is in review")
)

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// 3. Signal-aware root context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Durable state layout
	storageDir, err := cfg.Storage.ExpandedDir()
	if err != nil {
		log.Fatal("failed to resolve storage directory", zap.Error(err))
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		log.Fatal("failed to create storage directory", zap.String("dir", storageDir), zap.Error(err))
	}
	projectsFile, err := cfg.Storage.ProjectsFile()
	if err != nil {
		log.Fatal("failed to resolve projects file", zap.Error(err))
	}
	tasksFile, err := cfg.Storage.TasksFile()
	if err != nil {
		log.Fatal("failed to resolve tasks file", zap.Error(err))
	}
	worktreeDir, err := cfg.Storage.ExpandedWorktreeDir()
	if err != nil {
		log.Fatal("failed to resolve worktree directory", zap.Error(err))
	}

	// 5. Event bus, with the journal attached when enabled
	b := bus.New(log)
	defer b.Close()
	journalFile, err := cfg.Storage.JournalFile()
	if err != nil {
		log.Fatal("failed to resolve journal file", zap.Error(err))
	}
	if journalFile != "" {
		j, err := journal.Open(journalFile, log)
		if err != nil {
			log.Fatal("failed to open event journal", zap.String("path", journalFile), zap.Error(err))
		}
		defer j.Close()
		j.Attach(b)
	}

	// 6. Registries
	projects := project.NewRegistry(projectsFile, cfg.Projects.AllowedRootDirectories, log)
	tasks := task.NewRegistry(tasksFile, log)

	switch {
	case *flagAddProject != "":
		if err := addProject(ctx, projects, *flagAddProject); err != nil {
			log.Fatal("failed to register project", zap.Error(err))
		}
	case *flagList:
		if err := listRegistries(ctx, projects, tasks); err != nil {
			log.Fatal("failed to list registries", zap.Error(err))
		}
	case *flagRun, *flagMerge:
		if *flagRun && strings.TrimSpace(*flagPrompt) == "" {
			fmt.Fprintln(os.Stderr, "-run requires -prompt")
			os.Exit(2)
		}
		if !*flagRun && strings.TrimSpace(*flagTask) == "" {
			fmt.Fprintln(os.Stderr, "-merge without -run requires -task")
			os.Exit(2)
		}
		if err := runPlane(ctx, cfg, log, b, projects, tasks, worktreeDir); err != nil {
			log.Fatal("run failed", zap.Error(err))
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runPlane boots the remaining services and executes the -run/-merge
// request against them.
func runPlane(ctx context.Context, cfg *config.Config, log *logger.Logger, b *bus.Bus,
	projects *project.Registry, tasks *task.Registry, worktreeDir string) error {
	// 7. Agent runtime
	rt := runtime.New(cfg.AR, log)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start agent runtime: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			log.Warn("agent runtime stop failed", zap.Error(err))
		}
	}()

	// 8. Managers
	worktrees, err := worktree.NewManager(worktree.Config{BaseDir: worktreeDir}, log)
	if err != nil {
		return fmt.Errorf("initialize worktree manager: %w", err)
	}
	sessions := conversation.NewManager(rt, log)

	// 9. Orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.Tasks.MaxConcurrent,
		CleanupOnSuccess: worktree.CleanupPolicy(cfg.Tasks.CleanupOnSuccess),
		CleanupOnFailure: worktree.CleanupPolicy(cfg.Tasks.CleanupOnFailure),
	}, orchestrator.Dependencies{
		Logger:    log,
		Bus:       b,
		Projects:  projects,
		Tasks:     tasks,
		Worktrees: worktrees,
		Sessions:  sessions,
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	defer orch.Stop()

	// 10. Reconciliation: replay persisted work, then prune worktree
	// directories that no longer map to a known task.
	records, err := orch.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("reconcile tasks: %w", err)
	}
	knownIDs := make([]string, 0, len(records))
	for _, rec := range records {
		knownIDs = append(knownIDs, rec.ID)
	}
	projectList, err := projects.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, proj := range projectList {
		if err := worktrees.PruneOrphans(ctx, proj.RootDirectory, knownIDs); err != nil {
			log.Warn("worktree prune failed",
				zap.String("project_id", proj.ID), zap.Error(err))
		}
	}

	// Stream the bus's derived log feed to the console while work runs.
	logSub := b.SubscribeLogs(printLogEntry)
	defer logSub.Unsubscribe()

	taskID := strings.TrimSpace(*flagTask)
	if *flagRun {
		rec, err := runTask(ctx, orch, taskID)
		if err != nil {
			return err
		}
		taskID = rec.ID
	}
	if *flagMerge {
		return mergeTask(ctx, orch, taskID)
	}
	return nil
}

// runTask enqueues one task and blocks until it settles in review.
func runTask(ctx context.Context, orch *orchestrator.Orchestrator, taskID string) (*task.Task, error) {
	input := orchestrator.RunTaskInput{
		TaskID:        taskID,
		ProjectID:     strings.TrimSpace(*flagProject),
		InitialPrompt: *flagPrompt,
		Agent:         strings.TrimSpace(*flagAgent),
	}
	if spec := strings.TrimSpace(*flagModel); spec != "" {
		provider, id, ok := strings.Cut(spec, "/")
		if !ok || provider == "" || id == "" {
			return nil, fmt.Errorf("-model must be provider/model, got %q", spec)
		}
		input.Model = &task.ModelSelection{Provider: provider, ID: id}
	}

	rec, err := orch.RunTask(ctx, input)
	if err != nil {
		var runErr *orchestrator.TaskRunFailedError
		if errors.As(err, &runErr) {
			return nil, fmt.Errorf("task %s failed: %s", runErr.Task.ID, runErr.Task.Error)
		}
		return nil, err
	}

	fmt.Printf("\ntask %s is awaiting review\n", rec.ID)
	fmt.Printf("  worktree: %s\n", rec.WorktreeDirectory)
	fmt.Printf("  session:  %s\n", rec.SessionID)
	return rec, nil
}

// mergeTask merges a review task's branch back into its project.
func mergeTask(ctx context.Context, orch *orchestrator.Orchestrator, taskID string) error {
	rec, err := orch.MergeTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("merge task %s: %w", taskID, err)
	}
	if rec.State == task.StateFailed {
		return fmt.Errorf("task %s merged but cleanup failed: %s", rec.ID, rec.Error)
	}
	fmt.Printf("\ntask %s merged and completed\n", rec.ID)
	return nil
}

// addProject parses a name=<name>,path=</abs>[,id=<id>] spec and registers
// the project.
func addProject(ctx context.Context, projects *project.Registry, spec string) error {
	var input project.AddProjectInput
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("-add-project expects key=value pairs, got %q", part)
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "name":
			input.Name = value
		case "path":
			input.RootDirectory = value
		case "id":
			input.ID = value
		default:
			return fmt.Errorf("-add-project has no key %q", key)
		}
	}
	if input.Name == "" || input.RootDirectory == "" {
		return errors.New("-add-project requires name= and path=")
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}

	proj, err := projects.AddProject(ctx, input)
	if err != nil {
		return err
	}
	active, err := projects.GetActiveProjectID(ctx)
	if err != nil {
		return err
	}
	marker := ""
	if active == proj.ID {
		marker = " (active)"
	}
	fmt.Printf("registered project %s (%s) at %s%s\n", proj.Name, proj.ID, proj.RootDirectory, marker)
	return nil
}

// listRegistries prints both registries in tabular form.
func listRegistries(ctx context.Context, projects *project.Registry, tasks *task.Registry) error {
	projectList, err := projects.ListProjects(ctx)
	if err != nil {
		return err
	}
	activeID, err := projects.GetActiveProjectID(ctx)
	if err != nil {
		return err
	}
	taskList, err := tasks.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(projectList, func(i, j int) bool { return projectList[i].Name < projectList[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "PROJECT\tID\tPATH\t\n")
	for _, proj := range projectList {
		name := proj.Name
		if proj.ID == activeID {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", name, proj.ID, proj.RootDirectory)
	}
	if len(projectList) == 0 {
		fmt.Fprintf(w, "(none)\t\t\t\n")
	}
	fmt.Fprintf(w, "\t\t\t\n")
	fmt.Fprintf(w, "TASK\tSTATE\tPROJECT\tUPDATED\n")
	for _, rec := range taskList {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.ID, rec.State, rec.ProjectID, rec.UpdatedAt.Format(time.RFC3339))
	}
	if len(taskList) == 0 {
		fmt.Fprintf(w, "(none)\t\t\t\n")
	}
	return w.Flush()
}

// printLogEntry renders one derived bus entry on the console.
func printLogEntry(entry bus.LogEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-5s %s",
		entry.EmittedAt.Format("15:04:05"), strings.ToUpper(entry.Level), entry.Message)
	if entry.TaskID != "" {
		fmt.Fprintf(&b, "  task=%s", entry.TaskID)
	}
	if entry.EventType != "" {
		fmt.Fprintf(&b, "  event=%s", entry.EventType)
	}
	fmt.Println(b.String())
}
