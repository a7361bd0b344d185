package kilo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/logger"
)

// Client manages HTTP communication with a kilo server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger

	// SSE connection tracking - prevents multiple concurrent connections
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// EventHandler is called with each raw SSE event from the stream.
type EventHandler func(raw []byte)

// DisconnectHandler is called once when the SSE stream ends unexpectedly.
type DisconnectHandler func(err error)

// NewClient creates a new kilo server HTTP client. The token is the
// kilocode bearer credential for the session.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "kilo-client")),
	}
}

// doRequest performs an HTTP request with auth headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeResponse reads the body and unmarshals into out, validating status.
func decodeResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response (got %q): %w", string(data), err)
	}
	return nil
}

// WaitForHealth waits for the kilo server to report healthy.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := decodeResponse(resp, &health); err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("kilo server healthy", zap.String("version", health.Version))
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

// CreateSession creates a new agent session.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", CreateSessionRequest{Title: title})
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}

	var session SessionResponse
	if err := decodeResponse(resp, &session); err != nil {
		return "", fmt.Errorf("create session failed: %w", err)
	}
	return session.ID, nil
}

// GetSession fetches an existing session; used to validate a resume.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/session/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("get session request: %w", err)
	}

	var session SessionResponse
	if err := decodeResponse(resp, &session); err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

// SendPromptAsync dispatches a prompt without waiting for the agent to finish.
// The server acknowledges acceptance; completion arrives on the event stream.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID string, req *PromptRequest) error {
	path := fmt.Sprintf("/session/%s/message/async", sessionID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("send prompt failed: %w", err)
	}
	return nil
}

// SendCommand runs a synchronous command against the session and returns the
// raw result payload.
func (c *Client) SendCommand(ctx context.Context, sessionID string, req *CommandRequest) (json.RawMessage, error) {
	path := fmt.Sprintf("/session/%s/command", sessionID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, fmt.Errorf("send command request: %w", err)
	}

	var result json.RawMessage
	if err := decodeResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("send command failed: %w", err)
	}
	return result, nil
}

// AnswerPermission replies to a pending permission request.
func (c *Client) AnswerPermission(ctx context.Context, permissionID, reply string) error {
	payload := PermissionReplyRequest{Reply: reply}
	if reply == PermissionReplyReject {
		payload.Message = "User denied this tool use request"
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/permission/"+permissionID+"/reply", payload)
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	return decodeResponse(resp, nil)
}

// AnswerQuestion replies to a pending question with answers.
func (c *Client) AnswerQuestion(ctx context.Context, questionID string, answers []string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/question/"+questionID+"/reply", QuestionReplyRequest{Answers: answers})
	if err != nil {
		return fmt.Errorf("question reply request: %w", err)
	}
	return decodeResponse(resp, nil)
}

// RejectQuestion rejects a pending question.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/question/"+questionID+"/reply", QuestionReplyRequest{Reject: true})
	if err != nil {
		return fmt.Errorf("question reject request: %w", err)
	}
	return decodeResponse(resp, nil)
}

// AbortSession asks the server to stop the current operation. Errors are
// swallowed: abort is best-effort by contract and races with completion.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// StreamEvents opens the SSE event stream and invokes handler for every raw
// event. Only one stream may be active per client; a duplicate call is a
// no-op. onDisconnect fires once when the stream ends for any reason other
// than Close.
func (c *Client) StreamEvents(ctx context.Context, handler EventHandler, onDisconnect DisconnectHandler) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		c.logger.Debug("event stream already active, skipping duplicate connection")
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	sseCtx, sseCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		sseCancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return fail(fmt.Errorf("create event stream request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// Use a client without timeout for SSE
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body)))
	}

	c.logger.Debug("event stream connected")

	go c.processEventStream(sseCtx, resp.Body, handler, onDisconnect)
	return nil
}

// StopStream terminates any active SSE connection.
func (c *Client) StopStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
}

// IsStreaming reports whether an SSE connection is active.
func (c *Client) IsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sseActive
}

// processEventStream reads SSE lines and dispatches complete events.
func (c *Client) processEventStream(ctx context.Context, body io.ReadCloser, handler EventHandler, onDisconnect DisconnectHandler) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		c.logger.Debug("event stream ended")
	}()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}
			handler([]byte(data))
		}
	}

	err := scanner.Err()
	if err != nil {
		c.logger.Error("event stream error", zap.Error(err))
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if !closed && onDisconnect != nil {
		onDisconnect(err)
	}
}

// Close closes the client and terminates any active SSE connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
}
