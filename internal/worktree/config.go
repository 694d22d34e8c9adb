package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "taskdeck/"

// dirStampLayout is the timestamp component of worktree directory names.
const dirStampLayout = "20060102-150405"

// Config holds configuration for the worktree manager.
type Config struct {
	// BaseDir is the directory all worktrees are created under.
	BaseDir string `mapstructure:"base_dir"`

	// BranchPrefix is the prefix for task branch names.
	// Default: taskdeck/
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// Validate normalizes the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	c.BranchPrefix = NormalizeBranchPrefix(c.BranchPrefix)
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("worktree base directory is required")
	}
	if !filepath.IsAbs(c.BaseDir) {
		return fmt.Errorf("worktree base directory must be absolute: %s", c.BaseDir)
	}
	return nil
}

// WorktreePath returns the full path for a worktree directory name.
func (c *Config) WorktreePath(name string) string {
	return filepath.Join(c.BaseDir, name)
}

// BranchForTask returns the deterministic branch name for a task.
// Format: {prefix}{sanitized-task-id} e.g. taskdeck/task-1
func (c *Config) BranchForTask(taskID string) string {
	return c.BranchPrefix + sanitizeID(taskID)
}

// DirNameForTask returns the worktree directory name for a task and creation time.
// Format: {sanitized-task-id}_{timestamp} e.g. task-1_20260825-104500
func (c *Config) DirNameForTask(taskID string, at time.Time) string {
	return sanitizeID(taskID) + "_" + at.UTC().Format(dirStampLayout)
}

// TaskIDFromDirName extracts the sanitized task id from a worktree directory
// name produced by DirNameForTask. Returns false for names in another format.
func TaskIDFromDirName(name string) (string, bool) {
	id, stamp, ok := strings.Cut(name, "_")
	if !ok || id == "" {
		return "", false
	}
	if _, err := time.Parse(dirStampLayout, stamp); err != nil {
		return "", false
	}
	return id, true
}

// sanitizeID normalizes a task id for use in directory and branch names.
// Sanitized ids never contain underscores, so the directory name format
// stays parseable by TaskIDFromDirName.
func sanitizeID(taskID string) string {
	return SanitizeForBranch(taskID, 48)
}

// SanitizeForBranch converts free-form text into a valid git branch name component.
// It:
// - Converts to lowercase
// - Replaces any non-alphanumeric run with a single hyphen
// - Removes leading/trailing hyphens
// - Truncates to maxLen characters
func SanitizeForBranch(text string, maxLen int) string {
	if text == "" {
		return ""
	}

	var sb strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen {
			sb.WriteByte('-')
			hyphen = true
		}
	}

	result := strings.Trim(sb.String(), "-")
	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}
