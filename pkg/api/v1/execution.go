// Package v1 contains the wire types shared between the orchestrator,
// the wrapper job-control API and the ingest relay.
package v1

// Mode is the internal prompt-mode vocabulary. Surface-level aliases are
// normalized to this set before being sent to the wrapper.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeCode  Mode = "code"
	ModeAsk   Mode = "ask"
	ModeDebug Mode = "debug"
)

// ExecutionPlan is the immutable per-request descriptor consumed once by the
// orchestrator. ExecutionID doubles as the correlation/idempotency token and
// as the ingest auth token.
type ExecutionPlan struct {
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	OrgID       string          `json:"org_id,omitempty"`
	Prompt      string          `json:"prompt"`
	Mode        string          `json:"mode"` // surface alias, normalized by the orchestrator
	Model       string          `json:"model,omitempty"`
	Workspace   WorkspacePlan   `json:"workspace"`
	Wrapper     WrapperPlan     `json:"wrapper"`
	Images      []ImageAttachment `json:"images,omitempty"`
}

// WorkspacePlan describes how to obtain a usable workspace.
// Exactly one of ResumeContext/InitContext is populated, matching ShouldPrepare.
type WorkspacePlan struct {
	ShouldPrepare    bool             `json:"should_prepare"`
	SandboxID        string           `json:"sandbox_id,omitempty"`
	ResumeContext    *ResumeContext   `json:"resume_context,omitempty"`
	InitContext      *InitContext     `json:"init_context,omitempty"`
	ExistingMetadata *SessionMetadata `json:"existing_metadata,omitempty"`
}

// ResumeContext carries credentials for resuming an already-prepared workspace.
type ResumeContext struct {
	KilocodeToken string `json:"kilocode_token"`
	GitToken      string `json:"git_token,omitempty"`    // refreshed token, applied in place
	GitRemoteKind string `json:"git_remote_kind,omitempty"` // github, gitlab
}

// InitContext carries everything needed to initialize a brand-new workspace.
type InitContext struct {
	GitRepo           string            `json:"git_repo,omitempty"`
	GitRepoToken      string            `json:"git_repo_token,omitempty"`
	GitURL            string            `json:"git_url,omitempty"`
	GitURLToken       string            `json:"git_url_token,omitempty"`
	Branch            string            `json:"branch,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	EncryptedSecrets  map[string]string `json:"encrypted_secrets,omitempty"`
	SetupCommands     []string          `json:"setup_commands,omitempty"`
	MCPServers        map[string]any    `json:"mcp_servers,omitempty"`
	BotID             string            `json:"bot_id,omitempty"`
	KilocodeToken     string            `json:"kilocode_token,omitempty"`
	IsPreparedSession bool              `json:"is_prepared_session,omitempty"`
	KiloSessionID     string            `json:"kilo_session_id,omitempty"` // legacy prepared sessions
}

// SessionMetadata is the stored workspace metadata held by the session registry.
type SessionMetadata struct {
	WorkspacePath string `json:"workspace_path,omitempty"`
	SandboxID     string `json:"sandbox_id,omitempty"`
	SessionHome   string `json:"session_home,omitempty"`
	BranchName    string `json:"branch_name,omitempty"`
	KiloSessionID string `json:"kilo_session_id,omitempty"`
}

// Complete reports whether the metadata carries everything the fast
// preparation path needs.
func (m *SessionMetadata) Complete() bool {
	return m != nil &&
		m.WorkspacePath != "" &&
		m.SandboxID != "" &&
		m.SessionHome != "" &&
		m.BranchName != ""
}

// WrapperPlan carries wrapper-process preferences for the execution.
type WrapperPlan struct {
	KiloSessionID    string `json:"kilo_session_id,omitempty"`    // existing agent session to resume
	KiloSessionTitle string `json:"kilo_session_title,omitempty"` // title for a new agent session
}

// ImageAttachment is an inline image sent with a prompt.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// ExecutionResult is returned by the orchestrator once the prompt is accepted.
// The agent's completion is observed asynchronously via the ingest stream.
type ExecutionResult struct {
	KiloSessionID string `json:"kilo_session_id"`
}
