package opencode

import (
	"encoding/json"
	"testing"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantType  string
		wantError bool
	}{
		{
			name:     "direct shape",
			input:    `{"type":"message.updated","properties":{"info":{"id":"123","sessionID":"sess-1","role":"assistant"}}}`,
			wantType: EventMessageUpdated,
		},
		{
			name:     "payload-wrapped shape",
			input:    `{"payload":{"type":"session.idle","properties":{"sessionID":"sess-1"}}}`,
			wantType: EventSessionIdle,
		},
		{
			name:     "direct shape wins over payload",
			input:    `{"type":"session.error","properties":{},"payload":{"type":"session.idle"}}`,
			wantType: EventSessionError,
		},
		{
			name:     "no properties",
			input:    `{"type":"session.completed"}`,
			wantType: EventSessionCompleted,
		},
		{
			name:      "invalid JSON",
			input:     `{invalid`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseEvent([]byte(tt.input))
			if tt.wantError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if event.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, event.Type)
			}
		})
	}
}

func TestParseEvent_PayloadProperties(t *testing.T) {
	input := `{"payload":{"type":"message.updated","properties":{"info":{"sessionID":"sess-9"}}}}`

	event, err := ParseEvent([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.SessionID() != "sess-9" {
		t.Errorf("expected sessionID 'sess-9', got %s", event.SessionID())
	}
}

func TestEventEnvelope_SessionID(t *testing.T) {
	tests := []struct {
		name  string
		props string
		want  string
	}{
		{
			name:  "direct sessionID",
			props: `{"sessionID":"sess-1"}`,
			want:  "sess-1",
		},
		{
			name:  "from info",
			props: `{"info":{"sessionID":"sess-2"}}`,
			want:  "sess-2",
		},
		{
			name:  "from part",
			props: `{"part":{"sessionID":"sess-3"}}`,
			want:  "sess-3",
		},
		{
			name:  "direct wins over nested",
			props: `{"sessionID":"sess-1","info":{"sessionID":"sess-2"}}`,
			want:  "sess-1",
		},
		{
			name:  "not session-scoped",
			props: `{"key":"value"}`,
			want:  "",
		},
		{
			name:  "no properties",
			props: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var props json.RawMessage
			if tt.props != "" {
				props = json.RawMessage(tt.props)
			}
			event := &EventEnvelope{Type: EventMessageUpdated, Properties: props}
			if got := event.SessionID(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEventEnvelope_IsActivity(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{EventMessageUpdated, true},
		{EventMessagePartUpdated, true},
		{EventMessageRemoved, true},
		{EventMessagePartRemoved, true},
		{EventSessionIdle, false},
		{EventSessionError, false},
		{"todo.updated", false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			event := &EventEnvelope{Type: tt.eventType}
			if got := event.IsActivity(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEventEnvelope_IndicatesIdle(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		props     string
		want      bool
	}{
		{
			name:      "session.idle",
			eventType: EventSessionIdle,
			want:      true,
		},
		{
			name:      "session.completed",
			eventType: EventSessionCompleted,
			want:      true,
		},
		{
			name:      "status idle",
			eventType: EventSessionStatus,
			props:     `{"sessionID":"sess-1","status":{"type":"idle"}}`,
			want:      true,
		},
		{
			name:      "status completed",
			eventType: EventSessionStatus,
			props:     `{"status":{"type":"completed"}}`,
			want:      true,
		},
		{
			name:      "status done",
			eventType: EventSessionStatus,
			props:     `{"status":{"type":"done"}}`,
			want:      true,
		},
		{
			name:      "status busy",
			eventType: EventSessionStatus,
			props:     `{"status":{"type":"busy"}}`,
			want:      false,
		},
		{
			name:      "message activity",
			eventType: EventMessageUpdated,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var props json.RawMessage
			if tt.props != "" {
				props = json.RawMessage(tt.props)
			}
			event := &EventEnvelope{Type: tt.eventType, Properties: props}
			if got := event.IndicatesIdle(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEventEnvelope_ErrorMessage(t *testing.T) {
	tests := []struct {
		name  string
		props string
		want  string
	}{
		{
			name:  "data.message takes precedence",
			props: `{"sessionID":"sess-1","error":{"name":"ProviderAuthError","data":{"message":"API key invalid"}}}`,
			want:  "API key invalid",
		},
		{
			name:  "falls back to name",
			props: `{"sessionID":"sess-1","error":{"name":"ProviderAuthError"}}`,
			want:  "ProviderAuthError",
		},
		{
			name:  "falls back to generic message",
			props: `{"sessionID":"sess-1","error":{}}`,
			want:  "Session execution failed.",
		},
		{
			name:  "no error object",
			props: `{"sessionID":"sess-1"}`,
			want:  "Session execution failed.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &EventEnvelope{Type: EventSessionError, Properties: json.RawMessage(tt.props)}
			if got := event.ErrorMessage(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMessageInfo_HasError(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{
			name:  "error present",
			input: `{"id":"msg-1","role":"assistant","error":{"name":"AbortedError"}}`,
			want:  true,
		},
		{
			name:  "no error field",
			input: `{"id":"msg-1","role":"assistant"}`,
			want:  false,
		},
		{
			name:  "null error",
			input: `{"id":"msg-1","role":"assistant","error":null}`,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info MessageInfo
			if err := json.Unmarshal([]byte(tt.input), &info); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := info.HasError(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSessionWire_Normalize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID string
	}{
		{
			name:   "id field",
			input:  `{"id":"sess-1","title":"Task"}`,
			wantID: "sess-1",
		},
		{
			name:   "sessionID field",
			input:  `{"sessionID":"sess-2"}`,
			wantID: "sess-2",
		},
		{
			name:   "id wins over sessionID",
			input:  `{"id":"sess-1","sessionID":"sess-2"}`,
			wantID: "sess-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire sessionWire
			if err := json.Unmarshal([]byte(tt.input), &wire); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := wire.normalize().ID; got != tt.wantID {
				t.Errorf("expected %q, got %q", tt.wantID, got)
			}
		})
	}
}

func TestSessionWire_Times(t *testing.T) {
	input := `{"id":"sess-1","title":"Fix bug","time":{"created":1700000000000,"updated":1700000001000}}`

	var wire sessionWire
	if err := json.Unmarshal([]byte(input), &wire); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session := wire.normalize()
	if session.Title != "Fix bug" {
		t.Errorf("expected title 'Fix bug', got %s", session.Title)
	}
	if session.CreatedAt != 1700000000000 {
		t.Errorf("expected createdAt 1700000000000, got %d", session.CreatedAt)
	}
	if session.UpdatedAt != 1700000001000 {
		t.Errorf("expected updatedAt 1700000001000, got %d", session.UpdatedAt)
	}
}

func TestAPIError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want string
	}{
		{
			name: "data.message takes precedence",
			err: APIError{
				Name: "ProviderError",
				Data: &struct {
					Message string `json:"message,omitempty"`
				}{Message: "rate limited"},
			},
			want: "rate limited",
		},
		{
			name: "falls back to name",
			err:  APIError{Name: "ProviderError"},
			want: "ProviderError",
		},
		{
			name: "empty",
			err:  APIError{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Message(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
