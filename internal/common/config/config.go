// Package config provides configuration management for taskdeck.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cleanup policies for worktrees of finished tasks.
const (
	CleanupKeep   = "keep"
	CleanupRemove = "remove"
)

// Config holds all configuration sections for taskdeck.
type Config struct {
	AR       ARConfig       `mapstructure:"ar"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ARConfig holds settings for the external agent runtime server.
type ARConfig struct {
	Hostname  string `mapstructure:"hostname"`  // bind host; blank means default
	Port      int    `mapstructure:"port"`      // bind port; 0 means allocate
	TimeoutMs int    `mapstructure:"timeoutMs"` // startup budget in milliseconds
	Binary    string `mapstructure:"binary"`    // executable name or path
}

// TasksConfig holds scheduler and cleanup settings.
type TasksConfig struct {
	MaxConcurrent    int    `mapstructure:"maxConcurrent"`
	CleanupOnSuccess string `mapstructure:"cleanupOnSuccess"` // keep | remove
	CleanupOnFailure string `mapstructure:"cleanupOnFailure"` // keep | remove
}

// ProjectsConfig holds project registration settings.
type ProjectsConfig struct {
	// AllowedRootDirectories is a whitelist of absolute directories a project
	// root must lie within. Empty means no restriction.
	AllowedRootDirectories []string `mapstructure:"-"`
}

// StorageConfig holds durable-state layout settings.
type StorageConfig struct {
	Dir         string `mapstructure:"dir"`         // base directory, ~ expands
	WorktreeDir string `mapstructure:"worktreeDir"` // blank means <dir>/worktrees
	Journal     string `mapstructure:"journal"`     // on | off
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StartupTimeout returns the AR startup budget as a duration.
func (a *ARConfig) StartupTimeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// ExpandedDir returns the storage base directory with ~ expanded.
func (s *StorageConfig) ExpandedDir() (string, error) {
	return expandHome(s.Dir)
}

// ExpandedWorktreeDir returns the worktree base directory, defaulting to
// <storage>/worktrees.
func (s *StorageConfig) ExpandedWorktreeDir() (string, error) {
	if s.WorktreeDir != "" {
		return expandHome(s.WorktreeDir)
	}
	base, err := s.ExpandedDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "worktrees"), nil
}

// ProjectsFile returns the project registry file path.
func (s *StorageConfig) ProjectsFile() (string, error) {
	base, err := s.ExpandedDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "projects.json"), nil
}

// TasksFile returns the task registry file path.
func (s *StorageConfig) TasksFile() (string, error) {
	base, err := s.ExpandedDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tasks.json"), nil
}

// JournalFile returns the event journal path, or "" when disabled.
func (s *StorageConfig) JournalFile() (string, error) {
	if strings.EqualFold(s.Journal, "off") {
		return "", nil
	}
	base, err := s.ExpandedDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "journal.db"), nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// AR defaults
	v.SetDefault("ar.hostname", "127.0.0.1")
	v.SetDefault("ar.port", 0)
	v.SetDefault("ar.timeoutMs", 120000)
	v.SetDefault("ar.binary", "opencode")

	// Task defaults
	v.SetDefault("tasks.maxConcurrent", 2)
	v.SetDefault("tasks.cleanupOnSuccess", CleanupKeep)
	v.SetDefault("tasks.cleanupOnFailure", CleanupKeep)

	// Storage defaults
	v.SetDefault("storage.dir", "~/.taskdeck")
	v.SetDefault("storage.worktreeDir", "")
	v.SetDefault("storage.journal", "on")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

// bindEnv wires the recognized environment keys. The task/AR keys are
// unprefixed, so AutomaticEnv is not used; every key is bound explicitly.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("ar.hostname", "AR_HOSTNAME")
	_ = v.BindEnv("ar.port", "AR_PORT")
	_ = v.BindEnv("ar.timeoutMs", "AR_TIMEOUT_MS")
	_ = v.BindEnv("ar.binary", "AR_BINARY")
	_ = v.BindEnv("tasks.maxConcurrent", "TASK_MAX_CONCURRENT")
	_ = v.BindEnv("tasks.cleanupOnSuccess", "TASK_CLEANUP_ON_SUCCESS")
	_ = v.BindEnv("tasks.cleanupOnFailure", "TASK_CLEANUP_ON_FAILURE")
	_ = v.BindEnv("projects.allowedRootDirectories", "ALLOWED_PROJECT_PATHS")
	_ = v.BindEnv("storage.dir", "TASKDECK_STORAGE_DIR")
	_ = v.BindEnv("storage.worktreeDir", "TASKDECK_WORKTREE_DIR")
	_ = v.BindEnv("storage.journal", "TASKDECK_JOURNAL")
	_ = v.BindEnv("logging.level", "TASKDECK_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "TASKDECK_LOG_FORMAT")
	_ = v.BindEnv("logging.outputPath", "TASKDECK_LOG_OUTPUT")
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".taskdeck"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Numeric keys are checked as raw strings before Unmarshal so a malformed
	// value produces a named error instead of a decode failure.
	if errs := checkNumerics(v); len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	errs := parseAllowedRoots(v, &cfg)
	errs = append(errs, validate(&cfg)...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	return &cfg, nil
}

func checkNumerics(v *viper.Viper) []string {
	var errs []string

	check := func(key, env string, allowZero bool) {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", env, raw))
			return
		}
		if n < 0 || (n == 0 && !allowZero) {
			errs = append(errs, fmt.Sprintf("%s must be a positive integer, got %d", env, n))
		}
	}

	// AR_PORT defaults to 0 (allocate); an explicit zero is rejected only
	// when the value came from the environment.
	check("ar.port", "AR_PORT", strings.TrimSpace(os.Getenv("AR_PORT")) == "")
	check("ar.timeoutMs", "AR_TIMEOUT_MS", false)
	check("tasks.maxConcurrent", "TASK_MAX_CONCURRENT", false)

	return errs
}

// parseAllowedRoots splits ALLOWED_PROJECT_PATHS on the OS path-list
// separator, requires absolute entries, and stores them deduplicated and
// sorted.
func parseAllowedRoots(v *viper.Viper, cfg *Config) []string {
	raw := v.GetString("projects.allowedRootDirectories")
	if strings.TrimSpace(raw) == "" {
		cfg.Projects.AllowedRootDirectories = nil
		return nil
	}

	var errs []string
	seen := make(map[string]struct{})
	var roots []string
	for _, entry := range strings.Split(raw, string(os.PathListSeparator)) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !filepath.IsAbs(entry) {
			errs = append(errs, fmt.Sprintf("ALLOWED_PROJECT_PATHS entries must be absolute, got %q", entry))
			continue
		}
		clean := filepath.Clean(entry)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		roots = append(roots, clean)
	}
	sort.Strings(roots)
	cfg.Projects.AllowedRootDirectories = roots
	return errs
}

// validate checks the non-numeric fields.
func validate(cfg *Config) []string {
	var errs []string

	if cfg.Tasks.MaxConcurrent < 1 {
		errs = append(errs, "TASK_MAX_CONCURRENT must be at least 1")
	}
	if !validCleanupPolicy(cfg.Tasks.CleanupOnSuccess) {
		errs = append(errs, fmt.Sprintf("TASK_CLEANUP_ON_SUCCESS must be %q or %q, got %q",
			CleanupKeep, CleanupRemove, cfg.Tasks.CleanupOnSuccess))
	}
	if !validCleanupPolicy(cfg.Tasks.CleanupOnFailure) {
		errs = append(errs, fmt.Sprintf("TASK_CLEANUP_ON_FAILURE must be %q or %q, got %q",
			CleanupKeep, CleanupRemove, cfg.Tasks.CleanupOnFailure))
	}
	if cfg.AR.Port > 65535 {
		errs = append(errs, fmt.Sprintf("AR_PORT must be at most 65535, got %d", cfg.AR.Port))
	}

	switch strings.ToLower(cfg.Storage.Journal) {
	case "", "on", "off":
	default:
		errs = append(errs, fmt.Sprintf("TASKDECK_JOURNAL must be \"on\" or \"off\", got %q", cfg.Storage.Journal))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging format must be one of: json, console")
	}

	return errs
}

func validCleanupPolicy(p string) bool {
	return p == CleanupKeep || p == CleanupRemove
}
