// Package conversation binds tasks to agent-runtime sessions: it creates
// sessions rooted in worktree directories, submits prompts, and follows the
// runtime's event stream until the agent settles.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/common/tracing"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

// ErrSessionNotFound is returned when a session id or task id has no
// recorded session.
var ErrSessionNotFound = errors.New("session not found")

// ClientProvider hands out runtime clients bound to a working directory.
// The agent runtime scopes sessions to the directory the client was opened
// with, so every session keeps using the client for its own worktree.
type ClientProvider interface {
	GetClient(directory string) (*opencode.Client, error)
}

// Session records the binding between a task and its runtime session.
type Session struct {
	ID                string
	TaskID            string
	ProjectID         string
	Title             string
	ProjectDirectory  string
	WorktreeDirectory string
	CreatedAt         time.Time
}

// CreateSessionRequest carries the inputs for CreateTaskSession. Timestamp
// is optional and defaults to the current time.
type CreateSessionRequest struct {
	ProjectID         string
	TaskID            string
	ProjectDirectory  string
	WorktreeDirectory string
	Title             string
	Timestamp         time.Time
}

// Manager tracks runtime sessions for tasks and drives prompt exchanges
// against them.
type Manager struct {
	clients ClientProvider
	logger  *logger.Logger
	tracer  trace.Tracer

	mu           sync.RWMutex
	sessions     map[string]*Session          // by session id
	taskSessions map[string]string            // task id -> session id
	models       map[string]opencode.ModelRef // session id -> resolved model
}

// NewManager creates a conversation manager on top of a runtime client
// source.
func NewManager(clients ClientProvider, log *logger.Logger) *Manager {
	return &Manager{
		clients:      clients,
		logger:       log.WithFields(zap.String("component", "conversation-manager")),
		tracer:       tracing.Tracer("conversation-manager"),
		sessions:     make(map[string]*Session),
		taskSessions: make(map[string]string),
		models:       make(map[string]opencode.ModelRef),
	}
}

// CreateTaskSession creates a runtime session inside the task's worktree and
// records the task to session binding.
func (m *Manager) CreateTaskSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	taskID := strings.TrimSpace(req.TaskID)
	worktreeDir := strings.TrimSpace(req.WorktreeDirectory)
	projectDir := strings.TrimSpace(req.ProjectDirectory)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if worktreeDir == "" || !filepath.IsAbs(worktreeDir) {
		return nil, fmt.Errorf("worktree directory must be an absolute path, got %q", req.WorktreeDirectory)
	}
	if projectDir != "" && !filepath.IsAbs(projectDir) {
		return nil, fmt.Errorf("project directory must be an absolute path, got %q", req.ProjectDirectory)
	}
	createdAt := req.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	ctx, span := m.tracer.Start(ctx, "conversation.create_session",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	client, err := m.clients.GetClient(worktreeDir)
	if err != nil {
		return nil, err
	}
	created, err := client.CreateSession(ctx, strings.TrimSpace(req.Title))
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime session: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("runtime returned a session without an id")
	}

	title := created.Title
	if title == "" {
		title = strings.TrimSpace(req.Title)
	}
	session := &Session{
		ID:                created.ID,
		TaskID:            taskID,
		ProjectID:         projectID,
		Title:             title,
		ProjectDirectory:  projectDir,
		WorktreeDirectory: worktreeDir,
		CreatedAt:         createdAt,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.taskSessions[taskID] = session.ID
	m.mu.Unlock()

	m.logger.Info("created task session",
		zap.String("task_id", taskID),
		zap.String("session_id", session.ID),
		zap.String("worktree", worktreeDir))

	clone := *session
	return &clone, nil
}

// GetTaskSessionID returns the session id recorded for a task.
func (m *Manager) GetTaskSessionID(taskID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.taskSessions[strings.TrimSpace(taskID)]
	if !ok {
		return "", fmt.Errorf("%w: no session for task %s", ErrSessionNotFound, taskID)
	}
	return id, nil
}

// GetSessionDirectory returns the worktree directory a session was created
// in.
func (m *Manager) GetSessionDirectory(sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.WorktreeDirectory, nil
}

// GetSession returns a copy of the recorded session.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	clone := *session
	return &clone, nil
}

// Sessions returns a snapshot of all recorded sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		clone := *session
		out = append(out, &clone)
	}
	return out
}

// resolveDirectory picks the directory for a session call: an explicit
// override wins, then the directory remembered at session creation.
func (m *Manager) resolveDirectory(sessionID, override string) (string, error) {
	if dir := strings.TrimSpace(override); dir != "" {
		if !filepath.IsAbs(dir) {
			return "", fmt.Errorf("worktree directory must be an absolute path, got %q", override)
		}
		return dir, nil
	}
	return m.GetSessionDirectory(sessionID)
}

// ListMessagesRequest selects the session to read. WorktreeDirectory is
// optional when the session was created through this manager.
type ListMessagesRequest struct {
	SessionID         string
	WorktreeDirectory string
}

// ListConversationMessages returns the session's full message list from the
// runtime.
func (m *Manager) ListConversationMessages(ctx context.Context, req ListMessagesRequest) ([]opencode.Message, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	dir, err := m.resolveDirectory(sessionID, req.WorktreeDirectory)
	if err != nil {
		return nil, err
	}
	client, err := m.clients.GetClient(dir)
	if err != nil {
		return nil, err
	}
	return client.ListMessages(ctx, sessionID)
}

// SubscribeRequest configures an event subscription. When SessionID is set
// only events scoped to that session reach the handler; WorktreeDirectory is
// required when the session is not recorded by this manager.
type SubscribeRequest struct {
	SessionID         string
	WorktreeDirectory string
	OnEvent           func(*opencode.EventEnvelope)
}

// SubscribeToEvents streams runtime events to the handler until the returned
// release function is called. The release function may be called any number
// of times; the underlying subscription is dropped exactly once.
func (m *Manager) SubscribeToEvents(ctx context.Context, req SubscribeRequest) (func(), error) {
	if req.OnEvent == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" && strings.TrimSpace(req.WorktreeDirectory) == "" {
		return nil, fmt.Errorf("a session id or worktree directory is required")
	}
	dir, err := m.resolveDirectory(sessionID, req.WorktreeDirectory)
	if err != nil {
		return nil, err
	}
	client, err := m.clients.GetClient(dir)
	if err != nil {
		return nil, err
	}
	sub, err := client.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to runtime events: %w", err)
	}

	go func() {
		for evt := range sub.Events() {
			if sessionID != "" && evt.SessionID() != sessionID {
				continue
			}
			req.OnEvent(evt)
		}
	}()

	var once sync.Once
	return func() { once.Do(sub.Unsubscribe) }, nil
}

// AbortSession asks the runtime to cancel whatever the session is doing.
// Best effort: unknown sessions and unreachable runtimes are logged and
// skipped.
func (m *Manager) AbortSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	dir, err := m.GetSessionDirectory(sessionID)
	if err != nil {
		m.logger.Debug("abort skipped, session unknown", zap.String("session_id", sessionID))
		return
	}
	client, err := m.clients.GetClient(dir)
	if err != nil {
		m.logger.Debug("abort skipped, no runtime client",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	client.Abort(sessionID)
	m.logger.Info("requested session abort", zap.String("session_id", sessionID))
}
