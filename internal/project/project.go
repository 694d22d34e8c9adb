// Package project manages the registry of repositories tasks run against:
// durable project records, the active-project selection, and optional
// per-project manifests.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrNoActiveProject  = errors.New("no active project selected")
	ErrDuplicateProject = errors.New("project already registered")
)

// Project is one registered repository root.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RootDirectory string    `json:"rootDirectory"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Validate checks the structural invariants of a project record.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if !filepath.IsAbs(p.RootDirectory) {
		return fmt.Errorf("project root must be absolute: %s", p.RootDirectory)
	}
	if p.CreatedAt.IsZero() {
		return errors.New("project createdAt is required")
	}
	return nil
}

// isRepositoryRoot reports whether dir carries a VCS marker. Linked
// worktrees keep .git as a file, so both forms count.
func isRepositoryRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// within reports whether path lies inside root (or equals it).
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// sortProjects orders by createdAt, then id for stable ties.
func sortProjects(projects []*Project) {
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
}
