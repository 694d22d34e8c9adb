package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

const (
	// defaultAwaitTimeout is the idle deadline when the caller does not set
	// one. Session-scoped events push the deadline forward, so this bounds
	// silence, not total runtime.
	defaultAwaitTimeout = 45 * time.Second

	// eventWaitSlice caps how long one loop iteration blocks on the stream
	// before polling the message list anyway.
	eventWaitSlice = time.Second

	// pollDebounce spaces out message list polls during event bursts.
	pollDebounce = 750 * time.Millisecond

	// signaturePreviewBytes bounds the text preview folded into a message
	// signature.
	signaturePreviewBytes = 256

	roleAssistant = "assistant"
)

// PromptRequest carries one prompt submission. WorktreeDirectory, Agent,
// Model, and TimeoutMs are optional; OnMessage, when set, receives each new
// or changed message observed while waiting.
type PromptRequest struct {
	SessionID         string
	Prompt            string
	WorktreeDirectory string
	Agent             string
	Model             *opencode.ModelRef
	TimeoutMs         int
	OnMessage         func(opencode.Message)
}

// PromptSubmission records what was sent and when.
type PromptSubmission struct {
	SessionID   string    `json:"sessionID"`
	Prompt      string    `json:"prompt"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// PromptResult is the outcome of a successful prompt exchange: the
// submission record plus the session's message list as of the final poll.
type PromptResult struct {
	Submission PromptSubmission
	Messages   []opencode.Message
}

// SendInitialPromptAndAwaitMessages submits the first prompt of a session
// and waits for the agent to settle.
func (m *Manager) SendInitialPromptAndAwaitMessages(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	return m.sendPromptAndAwait(ctx, "initial", req)
}

// SendFollowUpPromptAndAwaitMessages submits a follow-up prompt to an
// existing session. Semantics match the initial prompt; only the baseline
// differs because the session already holds messages.
func (m *Manager) SendFollowUpPromptAndAwaitMessages(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	return m.sendPromptAndAwait(ctx, "follow-up", req)
}

func (m *Manager) sendPromptAndAwait(ctx context.Context, kind string, req PromptRequest) (*PromptResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	prompt := strings.TrimSpace(req.Prompt)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	timeout := defaultAwaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	dir, err := m.resolveDirectory(sessionID, req.WorktreeDirectory)
	if err != nil {
		return nil, err
	}
	client, err := m.clients.GetClient(dir)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "conversation.prompt", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("prompt.kind", kind),
	))
	defer span.End()

	model := m.resolveModel(ctx, client, sessionID, req.Model)

	await := &promptAwait{
		client:     client,
		sessionID:  sessionID,
		timeout:    timeout,
		onMessage:  req.OnMessage,
		logger:     m.logger,
		signatures: make(map[string]string),
	}
	if err := await.baseline(ctx); err != nil {
		return nil, err
	}

	sub, err := client.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to runtime events: %w", err)
	}
	defer sub.Unsubscribe()

	submittedAt := time.Now().UTC()
	submitErr := client.PromptAsync(ctx, sessionID, opencode.PromptRequest{
		Model: model,
		Agent: strings.TrimSpace(req.Agent),
		Parts: []opencode.TextPartInput{{Type: "text", Text: prompt}},
	})
	m.logger.Info("submitted prompt",
		zap.String("session_id", sessionID),
		zap.String("kind", kind),
		zap.Int("prompt_length", len(prompt)))

	loopErr := await.run(ctx, sub.Events(), submitErr)
	await.poll(ctx, true)
	if loopErr != nil {
		m.logger.Warn("prompt await failed",
			zap.String("session_id", sessionID),
			zap.String("kind", kind),
			zap.Error(loopErr))
		return nil, loopErr
	}
	if !await.sawAssistant {
		return nil, fmt.Errorf("timed out waiting for an assistant reply in session %s", sessionID)
	}

	m.logger.Info("session settled",
		zap.String("session_id", sessionID),
		zap.String("kind", kind),
		zap.Int("messages", len(await.messages)))

	return &PromptResult{
		Submission: PromptSubmission{SessionID: sessionID, Prompt: prompt, SubmittedAt: submittedAt},
		Messages:   await.messages,
	}, nil
}

// resolveModel picks the model for a prompt: the caller's override, then the
// model remembered for the session, then the first default advertised by the
// runtime. Whatever resolves is remembered for the session. Returns nil when
// nothing resolves, which lets the runtime apply its own default.
func (m *Manager) resolveModel(ctx context.Context, client *opencode.Client, sessionID string, override *opencode.ModelRef) *opencode.ModelRef {
	if override != nil && override.ProviderID != "" && override.ModelID != "" {
		m.rememberModel(sessionID, *override)
		return override
	}
	m.mu.RLock()
	remembered, ok := m.models[sessionID]
	m.mu.RUnlock()
	if ok {
		return &remembered
	}
	resp, err := client.Providers(ctx)
	if err != nil {
		m.logger.Warn("failed to list providers, prompting without an explicit model",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}
	ref := firstDefaultModel(resp)
	if ref == nil {
		m.logger.Warn("runtime advertises no usable default model",
			zap.String("session_id", sessionID))
		return nil
	}
	m.rememberModel(sessionID, *ref)
	return ref
}

func (m *Manager) rememberModel(sessionID string, ref opencode.ModelRef) {
	m.mu.Lock()
	m.models[sessionID] = ref
	m.mu.Unlock()
}

// firstDefaultModel returns the first provider whose default model id exists
// in that provider's own model set.
func firstDefaultModel(resp *opencode.ProvidersResponse) *opencode.ModelRef {
	for _, provider := range resp.Providers {
		modelID, ok := resp.Default[provider.ID]
		if !ok || modelID == "" {
			continue
		}
		if _, exists := provider.Models[modelID]; !exists {
			continue
		}
		return &opencode.ModelRef{ProviderID: provider.ID, ModelID: modelID}
	}
	return nil
}

// promptAwait tracks one prompt's wait: message signatures seen so far and
// the flags that decide success. Waiting combines the event stream with
// message polling because runtimes have dropped events under load before;
// events drive responsiveness, polls guarantee nothing observed is lost.
type promptAwait struct {
	client    *opencode.Client
	sessionID string
	timeout   time.Duration
	onMessage func(opencode.Message)
	logger    *logger.Logger

	signatures   map[string]string
	messages     []opencode.Message
	lastPoll     time.Time
	sawActivity  bool
	sawAssistant bool
}

// baseline snapshots the messages that already exist so the wait only
// reports what this prompt produced.
func (a *promptAwait) baseline(ctx context.Context) error {
	msgs, err := a.client.ListMessages(ctx, a.sessionID)
	if err != nil {
		return fmt.Errorf("failed to snapshot session messages: %w", err)
	}
	a.messages = msgs
	for i := range msgs {
		a.signatures[msgs[i].Info.ID] = messageSignature(&msgs[i])
	}
	return nil
}

// run consumes the event stream until the session settles. Success requires
// an idle indicator observed after at least one session-scoped activity
// event; an idle that arrives first belongs to the state before the prompt
// and is ignored. Every session-scoped event pushes the deadline forward.
func (a *promptAwait) run(ctx context.Context, events <-chan *opencode.EventEnvelope, submitErr <-chan error) error {
	deadline := time.Now().Add(a.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out after %s waiting for session %s to settle", a.timeout, a.sessionID)
		}
		wait := eventWaitSlice
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-submitErr:
			if err != nil {
				return fmt.Errorf("prompt submission failed: %w", err)
			}
			submitErr = nil

		case evt, ok := <-events:
			if !ok {
				return errors.New("event stream closed while awaiting session")
			}
			if evt.SessionID() != a.sessionID {
				continue
			}
			deadline = time.Now().Add(a.timeout)
			switch {
			case evt.Type == opencode.EventSessionError:
				return errors.New(evt.ErrorMessage())
			case evt.IsActivity():
				a.sawActivity = true
				a.poll(ctx, false)
			case evt.IndicatesIdle():
				if a.sawActivity {
					return nil
				}
				a.logger.Debug("ignoring idle indicator before any session activity",
					zap.String("session_id", a.sessionID))
			}

		case <-time.After(wait):
			a.poll(ctx, false)
		}
	}
}

// poll refreshes the message list and reports new or changed messages.
// Polls are debounced unless forced; failures are logged and absorbed since
// the next tick retries.
func (a *promptAwait) poll(ctx context.Context, force bool) {
	if !force && time.Since(a.lastPoll) < pollDebounce {
		return
	}
	a.lastPoll = time.Now()
	msgs, err := a.client.ListMessages(ctx, a.sessionID)
	if err != nil {
		a.logger.Debug("message poll failed",
			zap.String("session_id", a.sessionID),
			zap.Error(err))
		return
	}
	a.messages = msgs
	for i := range msgs {
		msg := msgs[i]
		sig := messageSignature(&msg)
		if prev, seen := a.signatures[msg.Info.ID]; seen && prev == sig {
			continue
		}
		a.signatures[msg.Info.ID] = sig
		if msg.Info.Role == roleAssistant {
			a.sawAssistant = true
		}
		if a.onMessage != nil {
			a.onMessage(msg)
		}
	}
}

// messageSignature fingerprints a message so changed content is detected
// across polls: role, creation time, part count, error presence, and a
// bounded text preview.
func messageSignature(msg *opencode.Message) string {
	var b strings.Builder
	for _, part := range msg.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(part.Text)
	}
	preview := b.String()
	if len(preview) > signaturePreviewBytes {
		preview = preview[:signaturePreviewBytes]
	}
	return fmt.Sprintf("%s|%.0f|%d|%t|%s",
		msg.Info.Role, msg.Info.Time.Created, len(msg.Parts), msg.Info.HasError(), preview)
}
