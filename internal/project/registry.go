package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

const fileVersion = 1

// fileState is the durable shape of the registry.
type fileState struct {
	Version         int        `json:"version"`
	ActiveProjectID *string    `json:"activeProjectId"`
	Projects        []*Project `json:"projects"`
}

// Registry owns the durable set of projects and the active selection.
// State loads lazily from its file exactly once; every operation goes
// through that load first.
type Registry struct {
	path         string
	allowedRoots []string
	logger       *logger.Logger

	mu       sync.Mutex
	loadOnce sync.Once
	loadErr  error
	projects map[string]*Project
	activeID string
}

// NewRegistry creates a registry persisting to path. allowedRoots, when
// non-empty, whitelists the directories projects may live under.
func NewRegistry(path string, allowedRoots []string, log *logger.Logger) *Registry {
	return &Registry{
		path:         path,
		allowedRoots: allowedRoots,
		logger:       log,
		projects:     make(map[string]*Project),
	}
}

// AddProjectInput carries the attributes of a new project.
type AddProjectInput struct {
	ID            string
	Name          string
	RootDirectory string
	CreatedAt     time.Time
}

// AddProject validates and registers a project. The first project added
// becomes the active one.
func (r *Registry) AddProject(ctx context.Context, input AddProjectInput) (*Project, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.New("project id is required")
	}
	root := strings.TrimSpace(input.RootDirectory)
	if root == "" {
		return nil, errors.New("project root directory is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("project root must be absolute: %s", root)
	}
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("project root does not exist: %s", root)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory: %s", root)
	}
	if !isRepositoryRoot(root) {
		return nil, fmt.Errorf("project root is not a repository root: %s", root)
	}
	if err := r.checkAllowed(root); err != nil {
		return nil, err
	}
	// Surface a malformed manifest at registration instead of at first run.
	if _, err := LoadManifest(root); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProject, id)
	}
	for _, existing := range r.projects {
		if existing.RootDirectory == root {
			return nil, fmt.Errorf("%w: root directory %s", ErrDuplicateProject, root)
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	proj := &Project{
		ID:            id,
		Name:          strings.TrimSpace(input.Name),
		RootDirectory: root,
		CreatedAt:     createdAt,
	}
	if err := proj.Validate(); err != nil {
		return nil, err
	}

	r.projects[id] = proj
	if len(r.projects) == 1 {
		r.activeID = id
	}
	if err := r.persistLocked(); err != nil {
		delete(r.projects, id)
		if r.activeID == id {
			r.activeID = ""
		}
		return nil, err
	}

	r.logger.Info("project registered",
		zap.String("project_id", id),
		zap.String("root", root))
	copied := *proj
	return &copied, nil
}

// RemoveProject deletes a project. Removing the active project promotes
// the next project in sort order, or clears the selection. Returns whether
// the project existed.
func (r *Registry) RemoveProject(ctx context.Context, id string) (bool, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[id]; !exists {
		return false, nil
	}
	delete(r.projects, id)

	if r.activeID == id {
		r.activeID = ""
		remaining := r.sortedLocked()
		if len(remaining) > 0 {
			r.activeID = remaining[0].ID
		}
	}
	if err := r.persistLocked(); err != nil {
		return false, err
	}

	r.logger.Info("project removed", zap.String("project_id", id))
	return true, nil
}

// ListProjects returns copies of all projects sorted by createdAt then id.
func (r *Registry) ListProjects(ctx context.Context) ([]*Project, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := r.sortedLocked()
	out := make([]*Project, len(sorted))
	for i, p := range sorted {
		copied := *p
		out[i] = &copied
	}
	return out, nil
}

// SelectProject marks an existing project as active.
func (r *Registry) SelectProject(ctx context.Context, id string) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[id]; !exists {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	r.activeID = id
	return r.persistLocked()
}

// GetProject returns a copy of the project by id.
func (r *Registry) GetProject(ctx context.Context, id string) (*Project, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	proj, exists := r.projects[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	copied := *proj
	return &copied, nil
}

// GetActiveProjectID returns the active project id, empty when none.
func (r *Registry) GetActiveProjectID(ctx context.Context) (string, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, nil
}

// GetActiveProject returns the active project.
func (r *Registry) GetActiveProject(ctx context.Context) (*Project, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeID == "" {
		return nil, ErrNoActiveProject
	}
	proj, exists := r.projects[r.activeID]
	if !exists {
		return nil, ErrNoActiveProject
	}
	copied := *proj
	return &copied, nil
}

func (r *Registry) checkAllowed(root string) error {
	if len(r.allowedRoots) == 0 {
		return nil
	}
	for _, allowed := range r.allowedRoots {
		if within(allowed, root) {
			return nil
		}
	}
	return fmt.Errorf("project root %s is outside the allowed directories", root)
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
		return fmt.Errorf("failed to read project registry: %w", err)
	}

	var raw struct {
		Version         *int            `json:"version"`
		ActiveProjectID *string         `json:"activeProjectId"`
		Projects        json.RawMessage `json:"projects"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse project registry: %w", err)
	}
	if raw.Version == nil || *raw.Version != fileVersion {
		return fmt.Errorf("unsupported project registry version in %s", r.path)
	}
	if len(raw.Projects) == 0 || raw.Projects[0] != '[' {
		return fmt.Errorf("project registry %s: projects must be an array", r.path)
	}

	var projects []*Project
	if err := json.Unmarshal(raw.Projects, &projects); err != nil {
		return fmt.Errorf("failed to parse project registry entries: %w", err)
	}

	byID := make(map[string]*Project, len(projects))
	roots := make(map[string]struct{}, len(projects))
	for _, proj := range projects {
		if err := proj.Validate(); err != nil {
			return fmt.Errorf("invalid project %q in registry: %w", proj.ID, err)
		}
		if _, dup := byID[proj.ID]; dup {
			return fmt.Errorf("duplicate project id %q in registry", proj.ID)
		}
		if _, dup := roots[proj.RootDirectory]; dup {
			return fmt.Errorf("duplicate project root %q in registry", proj.RootDirectory)
		}
		byID[proj.ID] = proj
		roots[proj.RootDirectory] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = byID
	r.activeID = ""
	if raw.ActiveProjectID != nil {
		if _, exists := byID[*raw.ActiveProjectID]; exists {
			r.activeID = *raw.ActiveProjectID
		} else {
			r.logger.Warn("active project missing from registry, clearing selection",
				zap.String("project_id", *raw.ActiveProjectID))
		}
	}
	return nil
}

// persistLocked writes the whole registry as pretty JSON with a trailing
// newline, creating the parent directory when needed. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	state := fileState{
		Version:  fileVersion,
		Projects: r.sortedLocked(),
	}
	if r.activeID != "" {
		active := r.activeID
		state.ActiveProjectID = &active
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode project registry: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write project registry: %w", err)
	}
	return nil
}

func (r *Registry) sortedLocked() []*Project {
	sorted := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		sorted = append(sorted, p)
	}
	sortProjects(sorted)
	return sorted
}
