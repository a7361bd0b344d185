package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// WrapperClient is the orchestrator's HTTP client for a wrapper's
// job-control surface.
type WrapperClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewWrapperClient creates a client for the wrapper at baseURL.
func NewWrapperClient(baseURL string, log *logger.Logger) *WrapperClient {
	return &WrapperClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "wrapper-client")),
	}
}

func (c *WrapperClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wrapper request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read wrapper response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Rebuild the wrapper's typed error so callers can tell a JOB_CONFLICT
		// apart from a transient wrapper failure.
		var errResp v1.ErrorResponse
		if json.Unmarshal(respData, &errResp) == nil && errResp.Error.Code != "" {
			return apperrors.New(errResp.Error.Code, errResp.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("wrapper returned HTTP %d: %s", resp.StatusCode, string(respData))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respData, out); err != nil {
		return fmt.Errorf("parse wrapper response: %w", err)
	}
	return nil
}

// WaitForHealth polls the wrapper health endpoint until it answers or the
// timeout passes.
func (c *WrapperClient) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("wrapper health returned HTTP %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(250 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("wrapper health timeout: %w", lastErr)
	}
	return fmt.Errorf("wrapper health timeout")
}

// StartJob calls POST /job/start.
func (c *WrapperClient) StartJob(ctx context.Context, req *v1.StartJobRequest) (*v1.StartJobResponse, error) {
	var resp v1.StartJobResponse
	if err := c.post(ctx, "/job/start", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Info("wrapper job started",
		zap.String("execution_id", req.ExecutionID),
		zap.String("kilo_session_id", resp.KiloSessionID),
	)
	return &resp, nil
}

// SendPrompt calls POST /job/prompt.
func (c *WrapperClient) SendPrompt(ctx context.Context, req *v1.PromptRequest) (*v1.PromptResponse, error) {
	var resp v1.PromptResponse
	if err := c.post(ctx, "/job/prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
