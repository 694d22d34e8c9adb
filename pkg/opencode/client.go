package opencode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

const (
	defaultTimeout     = 30 * time.Second
	promptTimeout      = 60 * time.Minute
	abortTimeout       = 800 * time.Millisecond
	healthPollInterval = 150 * time.Millisecond

	// eventBufferSize bounds how many undelivered events a subscription
	// holds before the reader blocks.
	eventBufferSize = 100
)

// Common errors.
var (
	ErrClientClosed = errors.New("opencode: client is closed")
)

// Client talks to one OpenCode server on behalf of one working directory.
// Every request carries the directory so the runtime scopes sessions to it.
type Client struct {
	baseURL   string
	directory string
	password  string
	logger    *logger.Logger

	httpClient   *http.Client
	promptClient *http.Client
	streamClient *http.Client

	mu     sync.Mutex
	subs   map[*EventSubscription]struct{}
	closed bool
}

// NewClient creates a client for the server at baseURL, scoped to directory.
// password may be empty when the server runs without authentication.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		directory:    directory,
		password:     password,
		logger:       log,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		promptClient: &http.Client{Timeout: promptTimeout},
		streamClient: &http.Client{},
		subs:         make(map[*EventSubscription]struct{}),
	}
}

// Directory returns the working directory this client is scoped to.
func (c *Client) Directory() string {
	return c.directory
}

// GenerateServerPassword returns a random password suitable for
// OPENCODE_SERVER_PASSWORD.
func GenerateServerPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate server password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) authHeader() string {
	if c.password == "" {
		return ""
	}
	creds := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + creds
}

func (c *Client) requestURL(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + url.QueryEscape(c.directory)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("X-OpenCode-Directory", c.directory)
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, client *http.Client, method, path string, body any) (*http.Response, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

// responseError turns a non-2xx response into an error, preferring the
// runtime's {name, data} error shape when the body carries one.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Name != "" {
		return &apiErr
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Error implements the error interface for runtime-shaped errors.
func (e *APIError) Error() string {
	return e.Message()
}

// Health checks GET /global/health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/global/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// WaitForHealth polls the health endpoint until the server reports healthy
// or ctx expires.
func (c *Client) WaitForHealth(ctx context.Context) error {
	var lastErr error
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		health, err := c.Health(attemptCtx)
		cancel()
		if err == nil && health.Healthy {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("server reported unhealthy")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server did not become healthy: %w", lastErr)
		case <-time.After(healthPollInterval):
		}
	}
}

// CreateSession creates a new session and returns its normalized metadata.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	var body any
	if title != "" {
		body = CreateSessionRequest{Title: title}
	}
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodPost, "/session", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to create session: %w", responseError(resp))
	}
	var wire sessionWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	session := wire.normalize()
	if session.ID == "" {
		return nil, errors.New("session response carried no id")
	}
	c.logger.Debug("created session",
		zap.String("session_id", session.ID),
		zap.String("directory", c.directory))
	return session, nil
}

// ListMessages returns all messages of a session, each with its metadata
// and content parts.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list messages: %w", responseError(resp))
	}
	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode message list: %w", err)
	}
	return messages, nil
}

// Prompt submits a prompt and blocks until the runtime finishes processing
// it. The long timeout accommodates extended agent turns.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	if len(req.Parts) == 0 {
		return errors.New("prompt requires at least one part")
	}
	resp, err := c.doRequest(ctx, c.promptClient, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", req)
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to send prompt: %w", responseError(resp))
	}
	// A 2xx body is either a completed message {info, parts} or an error
	// variant {name, data}.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read prompt response: %w", err)
	}
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Name != "" {
		return fmt.Errorf("prompt failed: %w", &apiErr)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unexpected prompt response: %w", err)
	}
	return nil
}

// PromptAsync submits a prompt without waiting for the runtime to finish
// processing it. The returned channel delivers the eventual transport
// result and is closed after one send.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) <-chan error {
	result := make(chan error, 1)
	if len(req.Parts) == 0 {
		result <- errors.New("prompt requires at least one part")
		close(result)
		return result
	}
	go func() {
		defer close(result)
		result <- c.Prompt(ctx, sessionID, req)
	}()
	return result
}

// Abort requests cancellation of in-flight work on a session. Errors are
// logged and swallowed: abort is best-effort by contract.
func (c *Client) Abort(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil)
	if err != nil {
		c.logger.Debug("session abort failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// Providers returns the configured providers and the default model per
// provider from GET /config/providers.
func (c *Client) Providers(ctx context.Context) (*ProvidersResponse, error) {
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/config/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch providers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch providers: %w", responseError(resp))
	}
	var providers ProvidersResponse
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return nil, fmt.Errorf("failed to decode providers response: %w", err)
	}
	return &providers, nil
}

// EventSubscription is one open connection to the event stream. Events
// arrive on the channel returned by Events; the channel is closed when the
// stream ends or Unsubscribe is called.
type EventSubscription struct {
	events chan *EventEnvelope
	cancel context.CancelFunc
	once   sync.Once
}

// Events returns the channel delivering stream events.
func (s *EventSubscription) Events() <-chan *EventEnvelope {
	return s.events
}

// Unsubscribe terminates the stream. Safe to call multiple times.
func (s *EventSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe opens the /event stream and delivers parsed events until the
// subscription is closed. Each call opens an independent connection that
// outlives ctx; terminate it with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context) (*EventSubscription, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := c.newRequest(streamCtx, http.MethodGet, "/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		streamErr := responseError(resp)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", streamErr)
	}

	sub := &EventSubscription{
		events: make(chan *EventEnvelope, eventBufferSize),
		cancel: cancel,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		resp.Body.Close()
		cancel()
		return nil, ErrClientClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go c.readEventStream(streamCtx, resp.Body, sub)
	c.logger.Debug("event stream opened", zap.String("directory", c.directory))
	return sub, nil
}

// readEventStream parses the SSE body line by line. Data lines accumulate
// until a blank line dispatches the event.
func (c *Client) readEventStream(ctx context.Context, body io.ReadCloser, sub *EventSubscription) {
	defer func() {
		body.Close()
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		close(sub.events)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" {
			continue
		}
		if data.Len() == 0 {
			continue
		}
		payload := data.String()
		data.Reset()

		event, err := ParseEvent([]byte(payload))
		if err != nil {
			c.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}
		select {
		case sub.events <- event:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Debug("event stream closed", zap.Error(err))
	}
}

// Close terminates all event subscriptions and rejects further requests.
// Safe to call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*EventSubscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.httpClient.CloseIdleConnections()
	c.promptClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
}
