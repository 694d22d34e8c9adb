package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	return NewRegistry(path, logger.NewNop()), path
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	stored := validTask(StateQueued)
	if err := reg.Upsert(ctx, stored); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := reg.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.State != StateQueued {
		t.Errorf("expected state queued, got %s", got.State)
	}

	// Mutating the returned copy must not leak into the registry.
	got.Error = "mutated"
	again, _ := reg.Get(ctx, "task-1")
	if again.Error == "mutated" {
		t.Error("expected registry to return copies")
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	reg, _ := newTestRegistry(t)

	got, err := reg.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing task, got %+v", got)
	}
}

func TestRegistry_UpsertRejectsInvalid(t *testing.T) {
	reg, _ := newTestRegistry(t)

	bad := validTask(StateFailed)
	bad.Error = ""
	if err := reg.Upsert(context.Background(), bad); err == nil {
		t.Error("expected invariant error, got nil")
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	reg := NewRegistry(path, logger.NewNop())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := validTask(StateReview)
	first.ID = "task-a"
	first.CreatedAt = base
	first.UpdatedAt = base.Add(time.Minute)
	second := validTask(StateFailed)
	second.ID = "task-b"
	second.CreatedAt = base.Add(time.Second)
	second.UpdatedAt = base.Add(time.Minute)

	if err := reg.Upsert(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Upsert(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := NewRegistry(path, logger.NewNop())
	tasks, err := reloaded.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "task-a" || tasks[1].ID != "task-b" {
		t.Errorf("unexpected order: %s, %s", tasks[0].ID, tasks[1].ID)
	}
	if tasks[1].State != StateFailed || tasks[1].Error != "boom" {
		t.Errorf("expected failed task preserved, got %+v", tasks[1])
	}
}

func TestRegistry_Remove(t *testing.T) {
	reg, path := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, validTask(StateQueued)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := reg.Remove(ctx, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Error("expected task to be found")
	}

	found, err = reg.Remove(ctx, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected second remove to report not found")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read registry file: %v", err)
	}
	if !strings.Contains(string(data), "\"tasks\": []") {
		t.Errorf("expected empty tasks array, got %s", data)
	}
}

func TestRegistry_LoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown version",
			content: `{"version":3,"tasks":[]}`,
		},
		{
			name:    "non-array tasks",
			content: `{"version":1,"tasks":"nope"}`,
		},
		{
			name:    "invariant violation",
			content: `{"version":1,"tasks":[{"taskId":"task-1","projectId":"proj-1","state":"failed","createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"}]}`,
		},
		{
			name:    "duplicate ids",
			content: `{"version":1,"tasks":[{"taskId":"t","projectId":"p","state":"queued","createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"},{"taskId":"t","projectId":"p","state":"queued","createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write file: %v", err)
			}

			reg := NewRegistry(path, logger.NewNop())
			if _, err := reg.List(context.Background()); err == nil {
				t.Error("expected load error, got nil")
			}
		})
	}
}

func TestRegistry_FileFormat(t *testing.T) {
	reg, path := newTestRegistry(t)

	if err := reg.Upsert(context.Background(), validTask(StateQueued)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read registry file: %v", err)
	}
	content := string(data)
	if !strings.HasSuffix(content, "\n") {
		t.Error("expected trailing newline")
	}
	if !strings.Contains(content, "\"version\": 1") {
		t.Error("expected pretty-printed version field")
	}
}
