// Package sessionreg is the client for the external session-registry service:
// the collaborator that owns durable session state and performs the actual
// workspace bootstrap (clone, secrets, setup commands).
package sessionreg

import (
	"context"
	"time"

	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// SessionContext identifies a session's workspace on a sandbox. The fast
// preparation path builds one directly from stored metadata.
type SessionContext struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	SandboxID     string `json:"sandboxId"`
	WorkspacePath string `json:"workspacePath"`
	SessionHome   string `json:"sessionHome"`
	BranchName    string `json:"branchName"`
}

// Session is the registry's view of a prepared session.
type Session struct {
	SessionID     string `json:"sessionId"`
	KiloSessionID string `json:"kiloSessionId,omitempty"`
	WorkspacePath string `json:"workspacePath"`
	SandboxID     string `json:"sandboxId"`
	SessionHome   string `json:"sessionHome"`
	BranchName    string `json:"branchName"`
}

// GitSource is the resolved git origin for workspace initialization.
// Repo+token is preferred over a raw URL+token.
type GitSource struct {
	Repo  string `json:"repo,omitempty"`
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// InitiateRequest carries everything the registry needs to bootstrap a
// brand-new workspace.
type InitiateRequest struct {
	SessionID        string            `json:"sessionId"`
	UserID           string            `json:"userId"`
	SandboxID        string            `json:"sandboxId,omitempty"`
	Git              GitSource         `json:"git"`
	Branch           string            `json:"branch,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	EncryptedSecrets map[string]string `json:"encryptedSecrets,omitempty"`
	SetupCommands    []string          `json:"setupCommands,omitempty"`
	MCPServers       map[string]any    `json:"mcpServers,omitempty"`
	BotID            string            `json:"botId,omitempty"`
	Platform         string            `json:"platform,omitempty"`
	AppType          string            `json:"appType,omitempty"`
	KilocodeToken    string            `json:"kilocodeToken,omitempty"`
	KiloSessionID    string            `json:"kiloSessionId,omitempty"` // legacy prepared sessions
	SkipLink         bool              `json:"skipLink,omitempty"`      // session already linked to the agent session
}

// ResumeRequest resumes an already-prepared workspace, optionally applying
// refreshed credentials.
type ResumeRequest struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	SandboxID     string `json:"sandboxId"`
	KilocodeToken string `json:"kilocodeToken"`
	GitToken      string `json:"gitToken,omitempty"`
	GitRemoteKind string `json:"gitRemoteKind,omitempty"`
}

// Registry is the session-registry collaborator contract.
type Registry interface {
	// GetOrCreateSession returns the session for the given context, creating
	// the registry record if absent. It never re-runs workspace bootstrap.
	GetOrCreateSession(ctx context.Context, sc SessionContext) (*Session, error)

	// Resume revalidates an already-prepared workspace.
	Resume(ctx context.Context, req ResumeRequest) (*Session, error)

	// InitiateWithRetry bootstraps a brand-new workspace, retrying per policy.
	InitiateWithRetry(ctx context.Context, req InitiateRequest, policy RetryPolicy) (*Session, error)

	// InitiateFromKiloSessionWithRetry bootstraps a workspace around an
	// existing agent session (legacy prepared sessions), retrying per policy.
	InitiateFromKiloSessionWithRetry(ctx context.Context, req InitiateRequest, policy RetryPolicy) (*Session, error)

	// GetMetadata returns the stored workspace metadata for a session.
	GetMetadata(ctx context.Context, sessionID string) (*v1.SessionMetadata, error)

	// RecordKiloServerActivity notes agent-backend activity for a session.
	// Callers treat failures as non-fatal.
	RecordKiloServerActivity(ctx context.Context, sessionID string) error
}

// RetryPolicy controls the WithRetry registry operations. The zero value
// means a single attempt with no backoff.
type RetryPolicy struct {
	Count     int           // additional attempts after the first
	Backoff   time.Duration // initial delay, doubled per attempt
	Retryable func(error) bool
}

// Do runs fn with up to p.Count retries and exponential backoff. A nil
// Retryable retries every error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.Backoff
	var err error

	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Count {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
