package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/config"
	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/events"
	"github.com/kilodev/cloudagent/internal/events/bus"
	"github.com/kilodev/cloudagent/internal/orchestrator/workspace"
	"github.com/kilodev/cloudagent/internal/sandbox"
	"github.com/kilodev/cloudagent/internal/sessionreg"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// JobControl is the slice of the wrapper client the orchestrator uses.
type JobControl interface {
	StartJob(ctx context.Context, req *v1.StartJobRequest) (*v1.StartJobResponse, error)
	SendPrompt(ctx context.Context, req *v1.PromptRequest) (*v1.PromptResponse, error)
}

// Orchestrator coordinates one execution request end to end. It owns no job
// state; the wrapper does, behind its network contract.
type Orchestrator struct {
	cfg      *config.Config
	resolver sandbox.Resolver
	preparer *workspace.Preparer
	registry sessionreg.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	// Seams for tests; production wiring uses the package defaults.
	ensureKilo func(ctx context.Context, sb sandbox.Sandbox, cfg config.KiloConfig, sessionID, workspacePath, kilocodeToken string, log *logger.Logger) (int, error)
	ensureWrap func(ctx context.Context, sb sandbox.Sandbox, cfg *config.Config, kiloPort int, workspacePath string, log *logger.Logger) (string, error)
	jobControl func(baseURL string) JobControl
}

// New creates an orchestrator.
func New(cfg *config.Config, resolver sandbox.Resolver, preparer *workspace.Preparer, registry sessionreg.Registry, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		resolver:   resolver,
		preparer:   preparer,
		registry:   registry,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		ensureKilo: ensureKiloServer,
		ensureWrap: ensureWrapper,
	}
	o.jobControl = func(baseURL string) JobControl {
		return NewWrapperClient(baseURL, log)
	}
	return o
}

// Execute runs the full flow for one plan and returns once the prompt is
// accepted; agent completion is observed via the ingest stream, not here.
// Each external failure maps to one named code; this call never retries.
func (o *Orchestrator) Execute(ctx context.Context, plan *v1.ExecutionPlan) (*v1.ExecutionResult, error) {
	log := o.logger.WithExecutionID(plan.ExecutionID).WithSessionID(plan.SessionID)

	result, err := o.execute(ctx, plan, log)
	if err != nil {
		o.publish(ctx, events.ExecutionFailed, plan, map[string]interface{}{
			"code": apperrors.Code(err),
		})
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *v1.ExecutionPlan, log *logger.Logger) (*v1.ExecutionResult, error) {
	sandboxID, err := resolveSandboxID(plan)
	if err != nil {
		return nil, err
	}

	sb, err := o.resolver.Resolve(ctx, sandboxID)
	if err != nil {
		return nil, apperrors.SandboxConnectFailed(err)
	}
	log.Info("sandbox resolved", zap.String("sandbox_id", sandboxID))

	prepared, err := o.preparer.Prepare(ctx, sb, plan)
	if err != nil {
		// Prepare already returns typed errors.
		return nil, err
	}

	// On resume with a refreshed git token, rewrite the stored remote
	// credentials in place.
	if rc := plan.Workspace.ResumeContext; !plan.Workspace.ShouldPrepare && rc != nil && rc.GitToken != "" {
		if err := refreshGitCredentials(ctx, sb, prepared.Context.WorkspacePath, rc.GitToken, rc.GitRemoteKind, log); err != nil {
			return nil, apperrors.WorkspaceSetupFailed(err)
		}
	}

	kilocodeToken, err := resolveKilocodeToken(plan)
	if err != nil {
		return nil, err
	}

	kiloPort, err := o.ensureKilo(ctx, sb, o.cfg.Kilo, plan.SessionID, prepared.Context.WorkspacePath, kilocodeToken, log)
	if err != nil {
		return nil, apperrors.KiloServerFailed(err)
	}

	// Best-effort activity recording: a registry hiccup must not fail the
	// execution.
	if err := o.registry.RecordKiloServerActivity(ctx, plan.SessionID); err != nil {
		log.Warn("activity recording failed, continuing", zap.Error(err))
	}
	o.publish(ctx, events.ExecutionStarted, plan, map[string]interface{}{
		"sandbox_id": sandboxID,
		"kilo_port":  kiloPort,
	})

	wrapperURL, err := o.ensureWrap(ctx, sb, o.cfg, kiloPort, prepared.Context.WorkspacePath, log)
	if err != nil {
		return nil, apperrors.WrapperStartFailed(err)
	}

	// The ingest auth token is always the executionId; ingest-side auth and
	// idempotent job admission both rely on this equality.
	ingestURL := buildIngestURL(o.cfg.Ingest.BaseURL, plan.SessionID, plan.UserID)

	wrapper := o.jobControl(wrapperURL)
	startResp, err := wrapper.StartJob(ctx, &v1.StartJobRequest{
		ExecutionID:      plan.ExecutionID,
		IngestURL:        ingestURL,
		IngestToken:      plan.ExecutionID,
		SessionID:        plan.SessionID,
		UserID:           plan.UserID,
		KilocodeToken:    kilocodeToken,
		KiloSessionID:    resolveKiloSessionID(plan, prepared),
		KiloSessionTitle: plan.Wrapper.KiloSessionTitle,
	})
	if err != nil {
		// Codes coming back from the wrapper surface (JOB_CONFLICT and the
		// per-operation 500s) keep their classification; only untyped
		// transport failures become the retryable start code.
		if apperrors.IsTyped(err) {
			return nil, err
		}
		return nil, apperrors.WrapperStartFailed(err)
	}

	mode := NormalizeMode(plan.Mode)
	promptReq := &v1.PromptRequest{
		Prompt: plan.Prompt,
		Model:  plan.Model,
		Agent:  string(mode),
	}
	for _, img := range plan.Images {
		if len(promptReq.Parts) == 0 {
			promptReq.Parts = []v1.PromptPart{{Type: "text", Text: plan.Prompt}}
			promptReq.Prompt = ""
		}
		promptReq.Parts = append(promptReq.Parts, v1.PromptPart{
			Type:      "image",
			MediaType: img.MediaType,
			Data:      img.Data,
		})
	}

	if _, err := wrapper.SendPrompt(ctx, promptReq); err != nil {
		if apperrors.IsTyped(err) {
			return nil, err
		}
		return nil, apperrors.WrapperStartFailed(err)
	}

	o.publish(ctx, events.ExecutionPrompted, plan, map[string]interface{}{
		"kilo_session_id": startResp.KiloSessionID,
		"mode":            string(mode),
	})

	log.Info("execution dispatched",
		zap.String("kilo_session_id", startResp.KiloSessionID),
		zap.String("mode", string(mode)),
	)

	return &v1.ExecutionResult{KiloSessionID: startResp.KiloSessionID}, nil
}

// publish emits a lifecycle event, best-effort.
func (o *Orchestrator) publish(ctx context.Context, eventType string, plan *v1.ExecutionPlan, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	data["execution_id"] = plan.ExecutionID
	data["session_id"] = plan.SessionID
	if err := o.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// resolveSandboxID prefers the plan's explicit sandbox, falling back to
// stored metadata for prepared sessions.
func resolveSandboxID(plan *v1.ExecutionPlan) (string, error) {
	if plan.Workspace.SandboxID != "" {
		return plan.Workspace.SandboxID, nil
	}
	if meta := plan.Workspace.ExistingMetadata; meta != nil && meta.SandboxID != "" {
		return meta.SandboxID, nil
	}
	return "", apperrors.InvalidRequest("no sandbox id in plan or stored metadata")
}

// resolveKilocodeToken pulls the bearer credential from whichever context
// the plan carries. A plan without one is a caller error, not retryable.
func resolveKilocodeToken(plan *v1.ExecutionPlan) (string, error) {
	if rc := plan.Workspace.ResumeContext; rc != nil && rc.KilocodeToken != "" {
		return rc.KilocodeToken, nil
	}
	if ic := plan.Workspace.InitContext; ic != nil && ic.KilocodeToken != "" {
		return ic.KilocodeToken, nil
	}
	return "", apperrors.InvalidRequest("plan carries no kilocode token")
}

// resolveKiloSessionID picks the agent session to resume, if any: the
// wrapper plan's explicit id wins, then the prepared session's stored link.
func resolveKiloSessionID(plan *v1.ExecutionPlan, prepared *workspace.PreparedSession) string {
	if plan.Wrapper.KiloSessionID != "" {
		return plan.Wrapper.KiloSessionID
	}
	if prepared.Session != nil {
		return prepared.Session.KiloSessionID
	}
	return ""
}

// buildIngestURL derives the socket URL for a (session, user) pair from the
// configured ingest base.
func buildIngestURL(base, sessionID, userID string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/sessions/%s/users/%s/events", sessionID, userID)
	return u.String()
}
