package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/logger"
)

// Client talks to one opencode server, scoped to a working directory.
// All requests carry the directory query parameter so session state is
// isolated per cell workspace.
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	logger     *logger.Logger

	mu        sync.Mutex
	sseCancel context.CancelFunc
}

// NewClient creates a client for the given server and directory.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log,
	}
}

// Directory returns the workspace directory this client is scoped to.
func (c *Client) Directory() string {
	return c.directory
}

func (c *Client) requestURL(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + url.QueryEscape(c.directory)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
		req.Header.Set("Authorization", "Basic "+credentials)
	}
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// decodeError turns a non-2xx response body into a *ServerError when
// the server sent one, else a plain error with the raw body.
func decodeError(status int, body []byte) error {
	var serverErr ServerError
	if err := json.Unmarshal(body, &serverErr); err == nil && (serverErr.Name != "" || serverErr.Type != "") {
		return &serverErr
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// WaitForHealth polls GET /global/health until the server reports
// healthy or the deadline passes.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.do(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = decodeError(resp.StatusCode, body)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		var health HealthResponse
		if err := json.Unmarshal(body, &health); err != nil {
			lastErr = fmt.Errorf("parse health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if health.Healthy {
			c.logger.Info("opencode server healthy", zap.String("version", health.Version))
			return nil
		}
		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession opens a new session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	payload, _ := json.Marshal(map[string]string{"title": title})
	resp, err := c.do(ctx, http.MethodPost, "/session", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create session failed: %w", decodeError(resp.StatusCode, body))
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("parse session response: %w", err)
	}
	return &session, nil
}

// GetSession fetches an existing session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("get session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get session %s failed: %w", sessionID, decodeError(resp.StatusCode, body))
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("parse session response: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a remote session. A missing session is not an
// error.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("delete session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete session %s failed: %w", sessionID, decodeError(resp.StatusCode, body))
}

// ListMessages returns the session history, oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil)
	if err != nil {
		return nil, fmt.Errorf("list messages request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read messages response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list messages failed: %w", decodeError(resp.StatusCode, body))
	}

	var messages []Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}
	return messages, nil
}

// Providers fetches the model catalog from GET /config/providers.
func (c *Client) Providers(ctx context.Context) (*ProvidersResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/config/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("providers request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read providers response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("providers failed: %w", decodeError(resp.StatusCode, body))
	}

	var providers ProvidersResponse
	if err := json.Unmarshal(body, &providers); err != nil {
		return nil, fmt.Errorf("parse providers response: %w", err)
	}
	return &providers, nil
}

// SendPrompt posts a prompt to the session and waits for the final
// response. Prompts can run for minutes, so a dedicated long-timeout
// client is used.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec, agent string) error {
	payload, err := json.Marshal(PromptRequest{
		Model: model,
		Agent: agent,
		Parts: []TextPartInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	promptClient := &http.Client{Timeout: 60 * time.Minute}
	resp, err := promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: %w", decodeError(resp.StatusCode, body))
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Errorf("prompt returned empty response")
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}
	// Success is {info, parts}; errors come back as {name, data}.
	if _, hasInfo := parsed["info"]; hasInfo {
		if _, hasParts := parsed["parts"]; hasParts {
			return nil
		}
	}
	if _, hasName := parsed["name"]; hasName {
		var serverErr ServerError
		if err := json.Unmarshal([]byte(trimmed), &serverErr); err == nil {
			return &serverErr
		}
	}
	return nil
}

// Abort asks the server to stop the session's current operation.
// Best-effort with a short deadline.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.do(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// EventHandler receives events from the SSE stream.
type EventHandler func(event *EventEnvelope)

// SubscribeEvents connects to the /event SSE stream and invokes the
// handler for every event belonging to sessionID, until the context is
// cancelled or the stream ends. Only one stream per client is kept; a
// second call replaces the first.
func (c *Client) SubscribeEvents(ctx context.Context, sessionID string, handler EventHandler) error {
	sseCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.sseCancel != nil {
		c.sseCancel()
	}
	c.sseCancel = cancel
	c.mu.Unlock()

	req, err := c.newRequest(sseCtx, http.MethodGet, "/event", nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open for the session's lifetime.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream failed: %w", decodeError(resp.StatusCode, body))
	}

	c.logger.Debug("event stream connected", zap.String("session_id", sessionID))
	go c.readEventStream(sseCtx, sessionID, resp.Body, handler)
	return nil
}

func (c *Client) readEventStream(ctx context.Context, sessionID string, body io.ReadCloser, handler EventHandler) {
	defer func() {
		_ = body.Close()
		c.logger.Debug("event stream ended", zap.String("session_id", sessionID))
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}

		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data == "" {
			continue
		}

		event, err := ParseEvent([]byte(data))
		if err != nil {
			c.logger.Warn("failed to parse event", zap.Error(err))
			continue
		}
		if id := SessionIDOf(event); id != "" && id != sessionID {
			continue
		}
		handler(event)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
}

// Close cancels any active event stream.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
}
