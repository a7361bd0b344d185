package sessionreg

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

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// HTTPRegistry talks to the session-registry service over HTTP.
type HTTPRegistry struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPRegistry creates a registry client from config.
func NewHTTPRegistry(cfg config.RegistryConfig, log *logger.Logger) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // workspace bootstrap can be slow
		},
		logger: log.WithFields(zap.String("component", "session-registry")),
	}
}

// DefaultRetryPolicy builds the retry policy from config. All registry
// errors are treated as retryable; non-retryable classification belongs to
// the caller's error taxonomy.
func DefaultRetryPolicy(cfg config.RegistryConfig) RetryPolicy {
	return RetryPolicy{
		Count:   cfg.RetryCount,
		Backoff: cfg.RetryBackoffDuration(),
	}
}

func (r *HTTPRegistry) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registry returned HTTP %d: %s", resp.StatusCode, string(respData))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respData, out); err != nil {
		return fmt.Errorf("parse registry response: %w", err)
	}
	return nil
}

// GetOrCreateSession returns the registry session for a known workspace.
func (r *HTTPRegistry) GetOrCreateSession(ctx context.Context, sc SessionContext) (*Session, error) {
	var session Session
	if err := r.post(ctx, "/sessions/get-or-create", sc, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Resume revalidates an already-prepared workspace.
func (r *HTTPRegistry) Resume(ctx context.Context, req ResumeRequest) (*Session, error) {
	var session Session
	if err := r.post(ctx, "/sessions/resume", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// InitiateWithRetry bootstraps a brand-new workspace.
func (r *HTTPRegistry) InitiateWithRetry(ctx context.Context, req InitiateRequest, policy RetryPolicy) (*Session, error) {
	var session *Session
	err := policy.Do(ctx, func(ctx context.Context) error {
		var s Session
		if err := r.post(ctx, "/sessions/initiate", req, &s); err != nil {
			r.logger.Warn("initiate attempt failed",
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// InitiateFromKiloSessionWithRetry bootstraps a workspace around an existing
// agent session.
func (r *HTTPRegistry) InitiateFromKiloSessionWithRetry(ctx context.Context, req InitiateRequest, policy RetryPolicy) (*Session, error) {
	var session *Session
	err := policy.Do(ctx, func(ctx context.Context) error {
		var s Session
		if err := r.post(ctx, "/sessions/initiate-from-kilo-session", req, &s); err != nil {
			r.logger.Warn("initiate-from-kilo-session attempt failed",
				zap.String("session_id", req.SessionID),
				zap.String("kilo_session_id", req.KiloSessionID),
				zap.Error(err),
			)
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetMetadata returns the stored workspace metadata for a session.
func (r *HTTPRegistry) GetMetadata(ctx context.Context, sessionID string) (*v1.SessionMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sessions/"+sessionID+"/metadata", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("registry returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var metadata v1.SessionMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &metadata, nil
}

// RecordKiloServerActivity notes agent-backend activity for the session.
func (r *HTTPRegistry) RecordKiloServerActivity(ctx context.Context, sessionID string) error {
	return r.post(ctx, "/sessions/"+sessionID+"/activity", struct{}{}, nil)
}
