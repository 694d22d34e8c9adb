package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

const fileVersion = 1

// fileState is the durable shape of the registry.
type fileState struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// Registry owns durable task records. State loads lazily from its file
// exactly once; every mutation re-serializes the whole snapshot.
type Registry struct {
	path   string
	logger *logger.Logger

	mu       sync.Mutex
	loadOnce sync.Once
	loadErr  error
	tasks    map[string]*Task
}

// NewRegistry creates a registry persisting to path.
func NewRegistry(path string, log *logger.Logger) *Registry {
	return &Registry{
		path:   path,
		logger: log,
		tasks:  make(map[string]*Task),
	}
}

// Upsert validates and stores a task record, rewriting the registry file.
func (r *Registry) Upsert(ctx context.Context, t *Task) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task %q: %w", t.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, existed := r.tasks[t.ID]
	r.tasks[t.ID] = t.Clone()
	if err := r.persistLocked(); err != nil {
		if existed {
			r.tasks[t.ID] = previous
		} else {
			delete(r.tasks, t.ID)
		}
		return err
	}
	return nil
}

// Remove deletes a task record. Returns whether it existed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, existed := r.tasks[id]
	if !existed {
		return false, nil
	}
	delete(r.tasks, id)
	if err := r.persistLocked(); err != nil {
		r.tasks[id] = previous
		return false, err
	}
	return true, nil
}

// Get returns a copy of the task by id, nil when absent.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tasks[id]
	if !exists {
		return nil, nil
	}
	return t.Clone(), nil
}

// List returns copies of all tasks sorted by createdAt then id.
func (r *Registry) List(ctx context.Context) ([]*Task, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := r.sortedLocked()
	out := make([]*Task, len(sorted))
	for i, t := range sorted {
		out[i] = t.Clone()
	}
	return out, nil
}

// ensureLoaded reads the registry file exactly once; concurrent callers
// share the same load.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.loadOnce.Do(func() {
		r.loadErr = r.load()
	})
	return r.loadErr
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read task registry: %w", err)
	}

	var raw struct {
		Version *int            `json:"version"`
		Tasks   json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse task registry: %w", err)
	}
	if raw.Version == nil || *raw.Version != fileVersion {
		return fmt.Errorf("unsupported task registry version in %s", r.path)
	}
	if len(raw.Tasks) == 0 || raw.Tasks[0] != '[' {
		return fmt.Errorf("task registry %s: tasks must be an array", r.path)
	}

	var tasks []*Task
	if err := json.Unmarshal(raw.Tasks, &tasks); err != nil {
		return fmt.Errorf("failed to parse task registry entries: %w", err)
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid task %q in registry: %w", t.ID, err)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q in registry", t.ID)
		}
		byID[t.ID] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = byID
	r.logger.Debug("task registry loaded", zap.Int("count", len(byID)))
	return nil
}

// persistLocked writes the whole registry as pretty JSON with a trailing
// newline, creating the parent directory when needed. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	state := fileState{
		Version: fileVersion,
		Tasks:   r.sortedLocked(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task registry: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task registry: %w", err)
	}
	return nil
}

func (r *Registry) sortedLocked() []*Task {
	sorted := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
