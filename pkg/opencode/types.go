// Package opencode provides a typed client for the OpenCode agent-runtime
// protocol: a REST API plus Server-Sent Events for session activity.
package opencode

import (
	"bytes"
	"encoding/json"
)

// Event types from the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartRemoved = "message.part.removed"
	EventSessionIdle        = "session.idle"
	EventSessionCompleted   = "session.completed"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
)

// EventEnvelope is the canonical shape of a stream event. Events arrive on
// the wire either as {type, properties} or wrapped as
// {payload: {type, properties}}; ParseEvent normalizes both.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// eventWire captures both wire shapes for normalization.
type eventWire struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Payload    *struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	} `json:"payload"`
}

// ParseEvent decodes a stream event, unwrapping the payload envelope when
// present. All wire-shape sniffing lives here.
func ParseEvent(data []byte) (*EventEnvelope, error) {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	if wire.Type == "" && wire.Payload != nil {
		return &EventEnvelope{Type: wire.Payload.Type, Properties: wire.Payload.Properties}, nil
	}
	return &EventEnvelope{Type: wire.Type, Properties: wire.Properties}, nil
}

// sessionScope captures the paths a session id may appear under.
type sessionScope struct {
	SessionID string `json:"sessionID"`
	Info      struct {
		SessionID string `json:"sessionID"`
	} `json:"info"`
	Part struct {
		SessionID string `json:"sessionID"`
	} `json:"part"`
}

// SessionID extracts the session an event belongs to, from
// properties.sessionID, properties.info.sessionID, or
// properties.part.sessionID. Empty when the event is not session-scoped.
func (e *EventEnvelope) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	var scope sessionScope
	if err := json.Unmarshal(e.Properties, &scope); err != nil {
		return ""
	}
	if scope.SessionID != "" {
		return scope.SessionID
	}
	if scope.Info.SessionID != "" {
		return scope.Info.SessionID
	}
	return scope.Part.SessionID
}

// IsActivity reports whether the event indicates message activity that
// warrants re-polling the message list.
func (e *EventEnvelope) IsActivity() bool {
	switch e.Type {
	case EventMessageUpdated, EventMessagePartUpdated, EventMessageRemoved, EventMessagePartRemoved:
		return true
	}
	return false
}

// IndicatesIdle reports whether the event signals that the session has
// finished processing: session.idle, session.completed, or session.status
// with a terminal status type.
func (e *EventEnvelope) IndicatesIdle() bool {
	switch e.Type {
	case EventSessionIdle, EventSessionCompleted:
		return true
	case EventSessionStatus:
		var props SessionStatusProperties
		if err := json.Unmarshal(e.Properties, &props); err != nil {
			return false
		}
		switch props.Status.Type {
		case "idle", "completed", "done":
			return true
		}
	}
	return false
}

// ErrorMessage extracts the human-readable message of a session.error
// event: properties.error.data.message, then .name, then a generic
// fallback.
func (e *EventEnvelope) ErrorMessage() string {
	const fallback = "Session execution failed."
	var props SessionErrorProperties
	if err := json.Unmarshal(e.Properties, &props); err != nil || props.Error == nil {
		return fallback
	}
	if props.Error.Data != nil && props.Error.Data.Message != "" {
		return props.Error.Data.Message
	}
	if props.Error.Name != "" {
		return props.Error.Name
	}
	return fallback
}

// SessionStatusProperties for session.status events.
type SessionStatusProperties struct {
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

// SessionStatus carries the runtime's processing state.
type SessionStatus struct {
	Type    string `json:"type"` // "idle", "busy", "completed", "done", "retry"
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError is the error variant the runtime returns both inline
// ({name, data}) and inside session.error events.
type APIError struct {
	Name string `json:"name,omitempty"`
	Data *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// Message returns the most specific human-readable message available.
func (e *APIError) Message() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Name
}

// Session is the normalized result of session.create.
type Session struct {
	ID        string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// sessionWire tolerates both id field spellings.
type sessionWire struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
	Time      *struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

func (w *sessionWire) normalize() *Session {
	s := &Session{ID: w.ID, Title: w.Title}
	if s.ID == "" {
		s.ID = w.SessionID
	}
	if w.Time != nil {
		s.CreatedAt = w.Time.Created
		s.UpdatedAt = w.Time.Updated
	}
	return s
}

// Message is one entry of the session message list: metadata plus content
// parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// MessageInfo contains message metadata.
type MessageInfo struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"` // "user", "assistant"
	Time      MessageTime     `json:"time"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// MessageTime carries creation time in epoch milliseconds.
type MessageTime struct {
	Created float64 `json:"created"`
}

// HasError reports whether the message carries an error payload.
func (m *MessageInfo) HasError() bool {
	return len(m.Error) > 0 && !bytes.Equal(bytes.TrimSpace(m.Error), []byte("null"))
}

// Part is a message content part.
type Part struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "text", "reasoning", "tool", ...
	MessageID string `json:"messageID,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ModelRef selects a provider/model pair for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput for prompt request parts.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelRef       `json:"model,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// CreateSessionRequest for POST /session.
type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Provider describes one configured model provider.
type Provider struct {
	ID     string                     `json:"id"`
	Models map[string]json.RawMessage `json:"models,omitempty"`
}

// ProvidersResponse from GET /config/providers: the provider list plus the
// default model id per provider.
type ProvidersResponse struct {
	Providers []Provider        `json:"providers"`
	Default   map[string]string `json:"default"`
}
