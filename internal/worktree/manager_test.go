package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.Config{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestConfig(t *testing.T) Config {
	return Config{
		BaseDir:      t.TempDir(),
		BranchPrefix: "taskdeck/",
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(newTestConfig(t), newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

// makeRepoDir creates a directory that passes the repository root check
// without requiring the git binary.
func makeRepoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("failed to create .git dir: %v", err)
	}
	return dir
}

func writeFakeGitScript(t *testing.T, scriptBody string) {
	t.Helper()

	scriptDir := t.TempDir()
	scriptPath := filepath.Join(scriptDir, "git")
	content := "#!/bin/sh\nset -eu\n\n" + scriptBody + "\n"
	if err := os.WriteFile(scriptPath, []byte(content), 0o755); err != nil {
		t.Fatalf("failed to write fake git script: %v", err)
	}
	t.Setenv("PATH", scriptDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantError bool
	}{
		{name: "valid", cfg: Config{BaseDir: "/tmp/worktrees", BranchPrefix: "taskdeck/"}},
		{name: "empty prefix defaults", cfg: Config{BaseDir: "/tmp/worktrees"}},
		{name: "missing base dir", cfg: Config{BranchPrefix: "taskdeck/"}, wantError: true},
		{name: "relative base dir", cfg: Config{BaseDir: "worktrees"}, wantError: true},
		{name: "bad prefix", cfg: Config{BaseDir: "/tmp/worktrees", BranchPrefix: "bad prefix/"}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() failed: %v", err)
			}
			if tt.cfg.BranchPrefix == "" {
				t.Error("expected prefix to be defaulted")
			}
		})
	}
}

func TestSanitizeForBranch(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{name: "simple", text: "Fix login bug", maxLen: 20, expected: "fix-login-bug"},
		{name: "special chars", text: "Fix: bug #123 (urgent!)", maxLen: 20, expected: "fix-bug-123-urgent"},
		{name: "truncation", text: "This is a very long task title that needs truncation", maxLen: 20, expected: "this-is-a-very-long"},
		{name: "consecutive separators", text: "Fix   multiple   spaces", maxLen: 20, expected: "fix-multiple-spaces"},
		{name: "empty", text: "", maxLen: 20, expected: ""},
		{name: "leading and trailing junk", text: "---Fix bug---", maxLen: 20, expected: "fix-bug"},
		{name: "underscores become hyphens", text: "task_one_a", maxLen: 20, expected: "task-one-a"},
		{name: "truncation drops trailing hyphen", text: "Fix the login-page bug", maxLen: 13, expected: "fix-the-login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeForBranch(tt.text, tt.maxLen)
			if got != tt.expected {
				t.Errorf("SanitizeForBranch(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestBranchForTask(t *testing.T) {
	cfg := Config{BaseDir: "/tmp/worktrees", BranchPrefix: "taskdeck/"}
	if got := cfg.BranchForTask("Task 42"); got != "taskdeck/task-42" {
		t.Fatalf("BranchForTask() = %q, want %q", got, "taskdeck/task-42")
	}
	// Deterministic: the same task always maps to the same branch.
	if first, second := cfg.BranchForTask("task-1"), cfg.BranchForTask("task-1"); first != second {
		t.Fatalf("BranchForTask() not deterministic: %q vs %q", first, second)
	}
}

func TestDirNameForTask_RoundTrip(t *testing.T) {
	cfg := Config{BaseDir: "/tmp/worktrees", BranchPrefix: "taskdeck/"}
	at := time.Date(2026, 8, 25, 10, 45, 0, 0, time.UTC)

	name := cfg.DirNameForTask("task-1", at)
	if name != "task-1_20260825-104500" {
		t.Fatalf("DirNameForTask() = %q, want %q", name, "task-1_20260825-104500")
	}

	id, ok := TaskIDFromDirName(name)
	if !ok {
		t.Fatalf("TaskIDFromDirName(%q) not parseable", name)
	}
	if id != "task-1" {
		t.Fatalf("TaskIDFromDirName(%q) = %q, want %q", name, id, "task-1")
	}
}

func TestTaskIDFromDirName(t *testing.T) {
	tests := []struct {
		name   string
		dir    string
		wantID string
		wantOK bool
	}{
		{name: "valid", dir: "task-1_20260825-104500", wantID: "task-1", wantOK: true},
		{name: "no underscore", dir: "task-1", wantOK: false},
		{name: "bad stamp", dir: "task-1_not-a-stamp", wantOK: false},
		{name: "empty id", dir: "_20260825-104500", wantOK: false},
		{name: "stray directory", dir: "node_modules", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := TaskIDFromDirName(tt.dir)
			if ok != tt.wantOK {
				t.Fatalf("TaskIDFromDirName(%q) ok = %v, want %v", tt.dir, ok, tt.wantOK)
			}
			if ok && id != tt.wantID {
				t.Fatalf("TaskIDFromDirName(%q) = %q, want %q", tt.dir, id, tt.wantID)
			}
		})
	}
}

func TestCreateTaskWorktree(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    exit 1
    ;;
  worktree)
    if [ "${2:-}" = "add" ]; then
      if [ "${3:-}" = "-b" ]; then
        mkdir -p "${5:?}"
        printf 'gitdir: %s/.git/worktrees/fake\n' "$PWD" > "${5}/.git"
      else
        mkdir -p "${3:?}"
        printf 'gitdir: %s/.git/worktrees/fake\n' "$PWD" > "${3}/.git"
      fi
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	wt, err := mgr.CreateTaskWorktree(context.Background(), repo, "task-1")
	if err != nil {
		t.Fatalf("CreateTaskWorktree failed: %v", err)
	}
	if wt.Branch != "taskdeck/task-1" {
		t.Errorf("Branch = %q, want %q", wt.Branch, "taskdeck/task-1")
	}
	if wt.ProjectDirectory != repo {
		t.Errorf("ProjectDirectory = %q, want %q", wt.ProjectDirectory, repo)
	}
	if filepath.Dir(wt.Directory) != mgr.config.BaseDir {
		t.Errorf("Directory %q not under base %q", wt.Directory, mgr.config.BaseDir)
	}
	if id, ok := TaskIDFromDirName(wt.Name); !ok || id != "task-1" {
		t.Errorf("Name %q does not map back to task id", wt.Name)
	}
	if wt.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if !isWorktreeDir(wt.Directory) {
		t.Errorf("expected %q to be a valid worktree directory", wt.Directory)
	}

	dir, err := mgr.GetTaskWorktreeDirectory("task-1")
	if err != nil {
		t.Fatalf("GetTaskWorktreeDirectory failed: %v", err)
	}
	if dir != wt.Directory {
		t.Errorf("GetTaskWorktreeDirectory = %q, want %q", dir, wt.Directory)
	}
}

func TestCreateTaskWorktree_ReusesExisting(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    exit 1
    ;;
  worktree)
    if [ "${2:-}" = "add" ] && [ "${3:-}" = "-b" ]; then
      mkdir -p "${5:?}"
      printf 'gitdir: fake\n' > "${5}/.git"
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	first, err := mgr.CreateTaskWorktree(context.Background(), repo, "task-1")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := mgr.CreateTaskWorktree(context.Background(), repo, "task-1")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.Directory != first.Directory {
		t.Errorf("expected worktree reuse, got %q and %q", first.Directory, second.Directory)
	}
}

func TestCreateTaskWorktree_NotRepository(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.CreateTaskWorktree(context.Background(), t.TempDir(), "task-1")
	if !errors.Is(err, ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
}

func TestCreateTaskWorktree_GitFailure(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    exit 1
    ;;
  worktree)
    echo "fatal: could not create work tree" 1>&2
    exit 128
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	_, err := mgr.CreateTaskWorktree(context.Background(), repo, "task-1")
	if !errors.Is(err, ErrGitCommandFailed) {
		t.Fatalf("expected ErrGitCommandFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not create work tree") {
		t.Fatalf("expected git output in error, got %v", err)
	}
}

func TestCleanupTaskWorktree_KeepIsNoOp(t *testing.T) {
	mgr := newTestManager(t)
	dir := filepath.Join(mgr.config.BaseDir, "task-1_20260825-104500")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	result, err := mgr.CleanupTaskWorktree(context.Background(), CleanupRequest{
		TaskID:            "task-1",
		ProjectDirectory:  "/tmp/proj",
		WorktreeDirectory: dir,
		Policy:            PolicyKeep,
	})
	if err != nil {
		t.Fatalf("CleanupTaskWorktree failed: %v", err)
	}
	if result.Removed {
		t.Error("expected removed=false for keep policy")
	}
	if result.Policy != PolicyKeep {
		t.Errorf("Policy = %q, want %q", result.Policy, PolicyKeep)
	}
	if result.WorktreeDirectory != dir {
		t.Errorf("WorktreeDirectory = %q, want %q", result.WorktreeDirectory, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to survive keep policy: %v", err)
	}
}

func TestCleanupTaskWorktree_InvalidPolicy(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.CleanupTaskWorktree(context.Background(), CleanupRequest{
		TaskID:            "task-1",
		WorktreeDirectory: "/tmp/x",
		Policy:            CleanupPolicy("archive"),
	})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestCleanupTaskWorktree_Remove(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  worktree)
    if [ "${2:-}" = "remove" ]; then
      rm -rf "${4:?}"
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)
	dir := filepath.Join(mgr.config.BaseDir, "task-1_20260825-104500")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	mgr.worktrees["task-1"] = &ManagedWorktree{TaskID: "task-1", Directory: dir}

	result, err := mgr.CleanupTaskWorktree(context.Background(), CleanupRequest{
		TaskID:            "task-1",
		ProjectDirectory:  repo,
		WorktreeDirectory: dir,
		Policy:            PolicyRemove,
	})
	if err != nil {
		t.Fatalf("CleanupTaskWorktree failed: %v", err)
	}
	if !result.Removed {
		t.Error("expected removed=true for remove policy")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory to be removed, stat err = %v", err)
	}
	if _, err := mgr.GetTaskWorktreeDirectory("task-1"); !errors.Is(err, ErrWorktreeNotFound) {
		t.Errorf("expected worktree to be forgotten, got %v", err)
	}
}

func TestCleanupTaskWorktree_RemoveMissingDirectory(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  worktree)
    if [ "${2:-}" = "remove" ]; then
      echo "fatal: not a working tree" 1>&2
      exit 128
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)
	dir := filepath.Join(mgr.config.BaseDir, "task-1_20260825-104500")

	result, err := mgr.CleanupTaskWorktree(context.Background(), CleanupRequest{
		TaskID:            "task-1",
		ProjectDirectory:  repo,
		WorktreeDirectory: dir,
		Policy:            PolicyRemove,
	})
	if err != nil {
		t.Fatalf("expected removing a missing directory to succeed, got %v", err)
	}
	if !result.Removed {
		t.Error("expected removed=true")
	}
}

func TestMergeTaskWorktree_Success(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    if [ "${2:-}" = "--abbrev-ref" ]; then
      echo "main"
    fi
    exit 0
    ;;
  merge)
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	result, err := mgr.MergeTaskWorktree(context.Background(), repo, "task-1", "")
	if err != nil {
		t.Fatalf("MergeTaskWorktree failed: %v", err)
	}
	if result.Branch != "taskdeck/task-1" {
		t.Errorf("Branch = %q, want %q", result.Branch, "taskdeck/task-1")
	}
}

func TestMergeTaskWorktree_ConflictAborts(t *testing.T) {
	abortLog := filepath.Join(t.TempDir(), "abort.log")
	t.Setenv("TD_GIT_ABORT_LOG", abortLog)

	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    if [ "${2:-}" = "--abbrev-ref" ]; then
      echo "main"
    fi
    exit 0
    ;;
  merge)
    if [ "${2:-}" = "--abort" ]; then
      echo aborted > "${TD_GIT_ABORT_LOG:?}"
      exit 0
    fi
    echo "CONFLICT (content): Merge conflict in main.go"
    exit 1
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	_, err := mgr.MergeTaskWorktree(context.Background(), repo, "task-1", "")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}
	if _, statErr := os.Stat(abortLog); statErr != nil {
		t.Fatalf("expected merge --abort to run: %v", statErr)
	}
}

func TestMergeTaskWorktree_DetachedHead(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    if [ "${2:-}" = "--abbrev-ref" ]; then
      echo "HEAD"
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	_, err := mgr.MergeTaskWorktree(context.Background(), repo, "task-1", "")
	if !errors.Is(err, ErrDetachedHead) {
		t.Fatalf("expected ErrDetachedHead, got %v", err)
	}
}

func TestMergeTaskWorktree_BranchCheckedOut(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    if [ "${2:-}" = "--abbrev-ref" ]; then
      echo "taskdeck/task-1"
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	_, err := mgr.MergeTaskWorktree(context.Background(), repo, "task-1", "")
	if !errors.Is(err, ErrBranchCheckedOut) {
		t.Fatalf("expected ErrBranchCheckedOut, got %v", err)
	}
}

func TestMergeTaskWorktree_BranchMissing(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  rev-parse)
    if [ "${2:-}" = "--verify" ]; then
      exit 1
    fi
    echo "main"
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	_, err := mgr.MergeTaskWorktree(context.Background(), repo, "task-1", "")
	if !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}

func TestGetTaskWorktreeDirectory_NotFound(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.GetTaskWorktreeDirectory("missing")
	if !errors.Is(err, ErrWorktreeNotFound) {
		t.Fatalf("expected ErrWorktreeNotFound, got %v", err)
	}
}

func TestPruneOrphans(t *testing.T) {
	writeFakeGitScript(t, `
case "${1:-}" in
  worktree)
    if [ "${2:-}" = "remove" ]; then
      rm -rf "${4:?}"
    fi
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`)

	mgr := newTestManager(t)
	repo := makeRepoDir(t)

	orphan := filepath.Join(mgr.config.BaseDir, "task-old_20260101-000000")
	known := filepath.Join(mgr.config.BaseDir, "task-live_20260101-000000")
	stray := filepath.Join(mgr.config.BaseDir, "lost+found")
	for _, dir := range []string{orphan, known, stray} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	if err := mgr.PruneOrphans(context.Background(), repo, []string{"task-live"}); err != nil {
		t.Fatalf("PruneOrphans failed: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("expected orphan %s to be removed", orphan)
	}
	if _, err := os.Stat(known); err != nil {
		t.Errorf("expected known worktree %s to survive: %v", known, err)
	}
	if _, err := os.Stat(stray); err != nil {
		t.Errorf("expected unrelated directory %s to survive: %v", stray, err)
	}
}

func TestPruneOrphans_MissingBaseDir(t *testing.T) {
	mgr := newTestManager(t)
	if err := os.RemoveAll(mgr.config.BaseDir); err != nil {
		t.Fatalf("failed to remove base dir: %v", err)
	}

	if err := mgr.PruneOrphans(context.Background(), "/tmp/proj", nil); err != nil {
		t.Fatalf("expected missing base dir to be a no-op, got %v", err)
	}
}

// Round-trip against a real repository: create a worktree, commit in it,
// fast-forward merge into the project branch, then remove it.
func TestWorktreeLifecycle_RealGit(t *testing.T) {
	repo := initRealRepo(t)

	mgr := newTestManager(t)
	ctx := context.Background()

	wt, err := mgr.CreateTaskWorktree(ctx, repo, "task-real")
	if err != nil {
		t.Fatalf("CreateTaskWorktree failed: %v", err)
	}
	if !isWorktreeDir(wt.Directory) {
		t.Fatalf("expected %q to be a linked worktree", wt.Directory)
	}

	if err := os.WriteFile(filepath.Join(wt.Directory, "result.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	realGit(t, wt.Directory, "add", "result.txt")
	realGit(t, wt.Directory, "commit", "-q", "-m", "add result")

	merged, err := mgr.MergeTaskWorktree(ctx, repo, "task-real", wt.Directory)
	if err != nil {
		t.Fatalf("MergeTaskWorktree failed: %v", err)
	}
	if merged.Branch != wt.Branch {
		t.Errorf("merged branch = %q, want %q", merged.Branch, wt.Branch)
	}
	if _, err := os.Stat(filepath.Join(repo, "result.txt")); err != nil {
		t.Errorf("expected merged file at project root: %v", err)
	}

	result, err := mgr.CleanupTaskWorktree(ctx, CleanupRequest{
		TaskID:            "task-real",
		ProjectDirectory:  repo,
		WorktreeDirectory: wt.Directory,
		Policy:            PolicyRemove,
	})
	if err != nil {
		t.Fatalf("CleanupTaskWorktree failed: %v", err)
	}
	if !result.Removed {
		t.Error("expected removed=true")
	}
	if _, err := os.Stat(wt.Directory); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory to be gone, stat err = %v", err)
	}
}

func TestMergeConflict_RealGit(t *testing.T) {
	repo := initRealRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("base\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	realGit(t, repo, "add", "shared.txt")
	realGit(t, repo, "commit", "-q", "-m", "add shared")

	mgr := newTestManager(t)
	ctx := context.Background()

	wt, err := mgr.CreateTaskWorktree(ctx, repo, "task-conflict")
	if err != nil {
		t.Fatalf("CreateTaskWorktree failed: %v", err)
	}

	// Diverge: conflicting edits on the task branch and the project branch.
	if err := os.WriteFile(filepath.Join(wt.Directory, "shared.txt"), []byte("task side\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	realGit(t, wt.Directory, "commit", "-q", "-am", "task edit")
	if err := os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("project side\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	realGit(t, repo, "commit", "-q", "-am", "project edit")

	_, err = mgr.MergeTaskWorktree(ctx, repo, "task-conflict", wt.Directory)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}

	// The abort must leave the project repository clean.
	if out := realGit(t, repo, "status", "--porcelain"); out != "" {
		t.Errorf("expected clean status after abort, got %q", out)
	}
	content, err := os.ReadFile(filepath.Join(repo, "shared.txt"))
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(content) != "project side\n" {
		t.Errorf("expected project file untouched, got %q", content)
	}
}

func initRealRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	repo := t.TempDir()
	realGit(t, repo, "init", "-q", "-b", "main")
	realGit(t, repo, "commit", "-q", "--allow-empty", "-m", "init")
	return repo
}

func realGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{
		"-c", "user.name=taskdeck",
		"-c", "user.email=taskdeck@example.com",
		"-c", "commit.gpgsign=false",
	}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}
