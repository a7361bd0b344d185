// Package workspace turns a WorkspacePlan into a usable prepared session,
// hiding the bootstrap strategies (fast path, legacy prepared session,
// brand-new initialize, resume) behind one contract.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/sandbox"
	"github.com/kilodev/cloudagent/internal/sessionreg"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// PreparedSession is the result of workspace preparation: the registry
// session plus the concrete workspace context on the sandbox.
type PreparedSession struct {
	Session *sessionreg.Session
	Context sessionreg.SessionContext

	setupStream func(ctx context.Context) (io.ReadCloser, error)
}

// SetupStream returns the workspace setup output. Fast-path sessions do not
// support it: their accessor fails by contract, flagging a mismatched caller.
func (p *PreparedSession) SetupStream(ctx context.Context) (io.ReadCloser, error) {
	return p.setupStream(ctx)
}

// Preparer drives the session registry to prepare workspaces. Retry counts
// and backoff belong to the policy, not to this component.
type Preparer struct {
	registry sessionreg.Registry
	policy   sessionreg.RetryPolicy
	logger   *logger.Logger
}

// NewPreparer creates a workspace preparer.
func NewPreparer(registry sessionreg.Registry, policy sessionreg.RetryPolicy, log *logger.Logger) *Preparer {
	return &Preparer{
		registry: registry,
		policy:   policy,
		logger:   log.WithFields(zap.String("component", "workspace-preparer")),
	}
}

// Prepare selects exactly one bootstrap branch for the plan and runs it.
// Untyped failures are rewrapped as WORKSPACE_SETUP_FAILED; already-typed
// errors keep their classification.
func (p *Preparer) Prepare(ctx context.Context, sb sandbox.Sandbox, plan *v1.ExecutionPlan) (*PreparedSession, error) {
	prepared, err := p.prepare(ctx, sb, plan)
	if err != nil {
		if apperrors.IsTyped(err) {
			return nil, err
		}
		return nil, apperrors.WorkspaceSetupFailed(err)
	}
	return prepared, nil
}

func (p *Preparer) prepare(ctx context.Context, sb sandbox.Sandbox, plan *v1.ExecutionPlan) (*PreparedSession, error) {
	ws := plan.Workspace

	if !ws.ShouldPrepare {
		return p.resume(ctx, sb, plan)
	}

	init := ws.InitContext
	if init == nil {
		return nil, apperrors.InvalidRequest("shouldPrepare set without an init context")
	}

	switch {
	case init.IsPreparedSession && ws.ExistingMetadata.Complete():
		return p.fastPath(ctx, plan, ws.ExistingMetadata)
	case init.IsPreparedSession && init.KiloSessionID != "":
		return p.legacyPrepared(ctx, sb, plan)
	default:
		return p.initialize(ctx, sb, plan)
	}
}

// fastPath builds the session context straight from stored metadata. No
// bootstrap runs, so there is no setup output to stream.
func (p *Preparer) fastPath(ctx context.Context, plan *v1.ExecutionPlan, meta *v1.SessionMetadata) (*PreparedSession, error) {
	sc := sessionreg.SessionContext{
		SessionID:     plan.SessionID,
		UserID:        plan.UserID,
		SandboxID:     meta.SandboxID,
		WorkspacePath: meta.WorkspacePath,
		SessionHome:   meta.SessionHome,
		BranchName:    meta.BranchName,
	}

	session, err := p.registry.GetOrCreateSession(ctx, sc)
	if err != nil {
		return nil, err
	}

	p.logger.Info("fast-path preparation from stored metadata",
		zap.String("session_id", plan.SessionID),
		zap.String("workspace_path", meta.WorkspacePath),
	)

	return &PreparedSession{
		Session: session,
		Context: sc,
		setupStream: func(context.Context) (io.ReadCloser, error) {
			return nil, fmt.Errorf("setup streaming is not available for fast-path prepared sessions")
		},
	}, nil
}

// legacyPrepared bootstraps a workspace around an already-linked agent
// session.
func (p *Preparer) legacyPrepared(ctx context.Context, sb sandbox.Sandbox, plan *v1.ExecutionPlan) (*PreparedSession, error) {
	init := plan.Workspace.InitContext

	git, err := resolveGitSource(init)
	if err != nil {
		return nil, err
	}

	req := buildInitiateRequest(plan, git)
	req.KiloSessionID = init.KiloSessionID
	req.SkipLink = true

	session, err := p.registry.InitiateFromKiloSessionWithRetry(ctx, req, p.policy)
	if err != nil {
		return nil, err
	}

	p.logger.Info("legacy prepared-session bootstrap complete",
		zap.String("session_id", plan.SessionID),
		zap.String("kilo_session_id", init.KiloSessionID),
	)

	return p.preparedFromSession(sb, session), nil
}

// initialize is the brand-new full bootstrap.
func (p *Preparer) initialize(ctx context.Context, sb sandbox.Sandbox, plan *v1.ExecutionPlan) (*PreparedSession, error) {
	init := plan.Workspace.InitContext

	git, err := resolveGitSource(init)
	if err != nil {
		return nil, err
	}

	session, err := p.registry.InitiateWithRetry(ctx, buildInitiateRequest(plan, git), p.policy)
	if err != nil {
		return nil, err
	}

	p.logger.Info("workspace initialized",
		zap.String("session_id", plan.SessionID),
		zap.String("workspace_path", session.WorkspacePath),
	)

	return p.preparedFromSession(sb, session), nil
}

// resume revalidates an already-prepared workspace.
func (p *Preparer) resume(ctx context.Context, sb sandbox.Sandbox, plan *v1.ExecutionPlan) (*PreparedSession, error) {
	rc := plan.Workspace.ResumeContext
	if rc == nil || rc.KilocodeToken == "" {
		return nil, apperrors.InvalidRequest("resume requires a kilocode token")
	}

	session, err := p.registry.Resume(ctx, sessionreg.ResumeRequest{
		SessionID:     plan.SessionID,
		UserID:        plan.UserID,
		SandboxID:     plan.Workspace.SandboxID,
		KilocodeToken: rc.KilocodeToken,
		GitToken:      rc.GitToken,
		GitRemoteKind: rc.GitRemoteKind,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("workspace resumed", zap.String("session_id", plan.SessionID))

	return p.preparedFromSession(sb, session), nil
}

// preparedFromSession wraps a registry session; setup output is read back
// from the session home on the sandbox.
func (p *Preparer) preparedFromSession(sb sandbox.Sandbox, session *sessionreg.Session) *PreparedSession {
	sc := sessionreg.SessionContext{
		SessionID:     session.SessionID,
		SandboxID:     session.SandboxID,
		WorkspacePath: session.WorkspacePath,
		SessionHome:   session.SessionHome,
		BranchName:    session.BranchName,
	}

	logPath := path.Join(session.SessionHome, "setup.log")
	return &PreparedSession{
		Session: session,
		Context: sc,
		setupStream: func(ctx context.Context) (io.ReadCloser, error) {
			res, err := sb.Exec(ctx, []string{"cat", logPath})
			if err != nil {
				return nil, err
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("setup log unavailable: %s", res.Stderr)
			}
			return io.NopCloser(bytes.NewReader([]byte(res.Stdout))), nil
		},
	}
}

// resolveGitSource prefers repo+token over a raw URL+token; having neither
// is a setup failure.
func resolveGitSource(init *v1.InitContext) (sessionreg.GitSource, error) {
	if init.GitRepo != "" {
		return sessionreg.GitSource{Repo: init.GitRepo, Token: init.GitRepoToken}, nil
	}
	if init.GitURL != "" {
		return sessionreg.GitSource{URL: init.GitURL, Token: init.GitURLToken}, nil
	}
	return sessionreg.GitSource{}, apperrors.WorkspaceSetupFailed(
		fmt.Errorf("init context has neither a git repo nor a git url"))
}

// buildInitiateRequest carries every init parameter through to the registry.
func buildInitiateRequest(plan *v1.ExecutionPlan, git sessionreg.GitSource) sessionreg.InitiateRequest {
	init := plan.Workspace.InitContext
	return sessionreg.InitiateRequest{
		SessionID:        plan.SessionID,
		UserID:           plan.UserID,
		SandboxID:        plan.Workspace.SandboxID,
		Git:              git,
		Branch:           init.Branch,
		Env:              init.Env,
		EncryptedSecrets: init.EncryptedSecrets,
		SetupCommands:    init.SetupCommands,
		MCPServers:       init.MCPServers,
		BotID:            init.BotID,
		Platform:         "cloud",
		AppType:          "agent",
		KilocodeToken:    init.KilocodeToken,
	}
}
