// Package bus provides the in-process event bus: sequence-stamped envelope
// dispatch of task lifecycle events, derived UI updates, and derived log
// entries.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Lifecycle event types.
const (
	TypeTaskEnqueued               = "task.enqueued"
	TypeTaskStateChanged           = "task.state.changed"
	TypeTaskWorktreeCreated        = "task.worktree.created"
	TypeTaskSessionCreated         = "task.session.created"
	TypeTaskSessionMessageReceived = "task.session.message.received"
	TypeTaskPromptSubmitted        = "task.prompt.submitted"
	TypeTaskReview                 = "task.review"
	TypeTaskMerged                 = "task.merged"
	TypeTaskCleanupCompleted       = "task.cleanup.completed"
	TypeTaskFailed                 = "task.failed"

	// TypeLogAppended carries an explicit LogEntry as payload; the bus
	// passes it through to log subscribers instead of deriving one.
	TypeLogAppended = "log.appended"
)

// Envelope wraps every emitted event. Sequence is assigned by the bus at
// emit time and is strictly monotonic per bus instance; envelopes are never
// re-ordered or re-numbered.
type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Sequence  uint64    `json:"sequence"`
	EmittedAt time.Time `json:"emittedAt"`
}

// UIUpdate is the envelope projection dispatched to UI subscribers. Scope
// and Action come from splitting the dotted event type at the first dot.
type UIUpdate struct {
	Sequence  uint64    `json:"sequence"`
	EmittedAt time.Time `json:"emittedAt"`
	TaskID    string    `json:"taskId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Scope     string    `json:"scope"`
	Action    string    `json:"action"`
	EventType string    `json:"eventType"`
}

// LogEntry is the envelope projection dispatched to log subscribers.
type LogEntry struct {
	Sequence  uint64    `json:"sequence"`
	EmittedAt time.Time `json:"emittedAt"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	TaskID    string    `json:"taskId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Source    string    `json:"source"`
	EventType string    `json:"eventType,omitempty"`
	Raw       any       `json:"raw,omitempty"`
}

// TaskScoped is implemented by payloads that belong to a task; the bus uses
// it to stamp task and project ids onto derived UI updates and log entries.
type TaskScoped interface {
	TaskScope() (taskID, projectID string)
}

// Listener receives full envelopes.
type Listener func(Envelope)

// UIListener receives derived UI updates.
type UIListener func(UIUpdate)

// LogListener receives derived log entries.
type LogListener func(LogEntry)

type subscriber struct {
	fn    Listener
	types map[string]struct{} // nil means all types
}

type uiSubscriber struct {
	fn UIListener
}

type logSubscriber struct {
	fn LogListener
}

// Bus is a single-writer cooperative dispatcher. Emit serializes dispatch,
// so subscribers observe envelopes in strictly increasing sequence order.
// Listeners run synchronously on the emitter's goroutine and must not
// block or emit.
type Bus struct {
	logger *logger.Logger

	// emitMu serializes sequence assignment and dispatch.
	emitMu   sync.Mutex
	sequence uint64

	// mu guards the subscriber sets.
	mu        sync.Mutex
	listeners []*subscriber
	ui        []*uiSubscriber
	logs      []*logSubscriber
	closed    bool
}

// New creates an event bus.
func New(log *logger.Logger) *Bus {
	return &Bus{logger: log}
}

// Subscription is a handle on a registered listener. Unsubscribe is
// idempotent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the listener. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe registers a listener for envelopes. With no types, the listener
// receives every event; otherwise only the named types.
func (b *Bus) Subscribe(fn Listener, types ...string) *Subscription {
	sub := &subscriber{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, sub)
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.listeners {
			if s == sub {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				break
			}
		}
	}}
}

// SubscribeUI registers a listener for derived UI updates.
func (b *Bus) SubscribeUI(fn UIListener) *Subscription {
	sub := &uiSubscriber{fn: fn}

	b.mu.Lock()
	b.ui = append(b.ui, sub)
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.ui {
			if s == sub {
				b.ui = append(b.ui[:i], b.ui[i+1:]...)
				break
			}
		}
	}}
}

// SubscribeLogs registers a listener for derived log entries.
func (b *Bus) SubscribeLogs(fn LogListener) *Subscription {
	sub := &logSubscriber{fn: fn}

	b.mu.Lock()
	b.logs = append(b.logs, sub)
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.logs {
			if s == sub {
				b.logs = append(b.logs[:i], b.logs[i+1:]...)
				break
			}
		}
	}}
}

// Emit assigns the next sequence number, stamps the envelope, and
// dispatches it: general listeners first, then the derived UI update for
// lifecycle events, then the derived log entry. Returns the stamped
// envelope.
func (b *Bus) Emit(eventType string, payload any) Envelope {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}
	}
	listeners := make([]*subscriber, len(b.listeners))
	copy(listeners, b.listeners)
	ui := make([]*uiSubscriber, len(b.ui))
	copy(ui, b.ui)
	logs := make([]*logSubscriber, len(b.logs))
	copy(logs, b.logs)
	b.sequence++
	env := Envelope{
		Type:      eventType,
		Payload:   payload,
		Sequence:  b.sequence,
		EmittedAt: time.Now().UTC(),
	}
	b.mu.Unlock()

	for _, sub := range listeners {
		if sub.types != nil {
			if _, ok := sub.types[env.Type]; !ok {
				continue
			}
		}
		b.dispatch(env, func() { sub.fn(env) })
	}

	if env.Type != TypeLogAppended {
		update := b.deriveUIUpdate(env)
		for _, sub := range ui {
			b.dispatch(env, func() { sub.fn(update) })
		}
	}

	entry := b.deriveLogEntry(env)
	for _, sub := range logs {
		b.dispatch(env, func() { sub.fn(entry) })
	}

	return env
}

// dispatch runs one listener, converting a panic into an error log so the
// remaining listeners still see the event.
func (b *Bus) dispatch(env Envelope, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithSource("runtime.listener").Error("event listener panicked",
				zap.String("event_type", env.Type),
				zap.Uint64("sequence", env.Sequence),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// deriveUIUpdate splits the dotted event type into scope and action and
// stamps task identity when the payload carries it.
func (b *Bus) deriveUIUpdate(env Envelope) UIUpdate {
	scope, action := splitEventType(env.Type)
	update := UIUpdate{
		Sequence:  env.Sequence,
		EmittedAt: env.EmittedAt,
		Scope:     scope,
		Action:    action,
		EventType: env.Type,
	}
	if scoped, ok := env.Payload.(TaskScoped); ok {
		update.TaskID, update.ProjectID = scoped.TaskScope()
	}
	return update
}

// deriveLogEntry maps a lifecycle envelope to an info-level entry
// (task.failed at error) with a default human message; an explicit
// log.appended payload passes through with the envelope's sequence stamped.
func (b *Bus) deriveLogEntry(env Envelope) LogEntry {
	if env.Type == TypeLogAppended {
		switch payload := env.Payload.(type) {
		case LogEntry:
			payload.Sequence = env.Sequence
			payload.EmittedAt = env.EmittedAt
			return payload
		case *LogEntry:
			entry := *payload
			entry.Sequence = env.Sequence
			entry.EmittedAt = env.EmittedAt
			return entry
		}
	}

	scope, _ := splitEventType(env.Type)
	entry := LogEntry{
		Sequence:  env.Sequence,
		EmittedAt: env.EmittedAt,
		Level:     logger.LevelInfo,
		Message:   strings.ReplaceAll(env.Type, ".", " "),
		Source:    scope,
		EventType: env.Type,
		Raw:       env.Payload,
	}
	if env.Type == TypeTaskFailed {
		entry.Level = logger.LevelError
	}
	if scoped, ok := env.Payload.(TaskScoped); ok {
		entry.TaskID, entry.ProjectID = scoped.TaskScope()
	}
	return entry
}

// splitEventType splits a dotted type at the first dot: "task.state.changed"
// yields scope "task" and action "state.changed".
func splitEventType(eventType string) (scope, action string) {
	scope, action, found := strings.Cut(eventType, ".")
	if !found {
		return eventType, ""
	}
	return scope, action
}

// Close drops all subscribers; subsequent emits are silently discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = nil
	b.ui = nil
	b.logs = nil
}
