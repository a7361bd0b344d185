package wrapper

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kilodev/cloudagent/internal/common/config"
	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/kilo"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// Version reported by the health endpoint.
const Version = "0.4.0"

// Backend is the slice of the kilo client the worker consumes. Satisfied by
// *kilo.Client; tests substitute a fake.
type Backend interface {
	CreateSession(ctx context.Context, title string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*kilo.SessionResponse, error)
	SendPromptAsync(ctx context.Context, sessionID string, req *kilo.PromptRequest) error
	SendCommand(ctx context.Context, sessionID string, req *kilo.CommandRequest) (json.RawMessage, error)
	AnswerPermission(ctx context.Context, permissionID, reply string) error
	AnswerQuestion(ctx context.Context, questionID string, answers []string) error
	RejectQuestion(ctx context.Context, questionID string) error
	AbortSession(ctx context.Context, sessionID string) error
	StreamEvents(ctx context.Context, handler kilo.EventHandler, onDisconnect kilo.DisconnectHandler) error
	StopStream()
	Close()
}

// BackendFactory builds a backend client authenticated with the job's
// kilocode token.
type BackendFactory func(kilocodeToken string) Backend

// Worker wires job state, the event consumer and the ingest relay together
// and implements the job-control operations behind the HTTP surface.
type Worker struct {
	cfg      *config.Config
	state    *State
	relay    *Relay
	consumer *Consumer
	notify   chan Notification
	factory  BackendFactory
	logger   *logger.Logger

	backendMu sync.Mutex
	backend   Backend // client for the current job, nil when no job

	startMu sync.Mutex // serializes admission with session creation
}

// NewWorker creates a worker from config and a backend factory.
func NewWorker(cfg *config.Config, factory BackendFactory, log *logger.Logger) *Worker {
	notify := make(chan Notification, 64)
	state := NewState()
	relay := NewRelay(cfg.Ingest, notify, log)

	return &Worker{
		cfg:      cfg,
		state:    state,
		relay:    relay,
		consumer: NewConsumer(state, relay, notify, log),
		notify:   notify,
		factory:  factory,
		logger:   log.WithFields(zap.String("component", "worker")),
	}
}

// State exposes the job state for status surfaces.
func (w *Worker) State() *State { return w.state }

// Relay exposes the relay for status surfaces.
func (w *Worker) Relay() *Relay { return w.relay }

// Notifications exposes the control-loop channel.
func (w *Worker) Notifications() <-chan Notification { return w.notify }

func (w *Worker) currentBackend() Backend {
	w.backendMu.Lock()
	defer w.backendMu.Unlock()
	return w.backend
}

// swapBackend installs the new job's backend, tearing down the previous
// one's connections if any.
func (w *Worker) swapBackend(b Backend) {
	w.backendMu.Lock()
	prev := w.backend
	w.backend = b
	w.backendMu.Unlock()

	if prev != nil {
		prev.StopStream()
		prev.Close()
		w.relay.Close()
	}
}

// StartJob creates or resumes the underlying agent session and installs the
// job context. Same executionId as the current job is an idempotent success;
// a different executionId while active is a conflict. Admission and session
// creation run under one guard: a concurrent start for the same executionId
// waits and then observes the committed job instead of creating a second
// agent session.
func (w *Worker) StartJob(ctx context.Context, req *v1.StartJobRequest) (*v1.StartJobResponse, error) {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	outcome, current := w.state.BeginStart(req.ExecutionID)
	switch outcome {
	case StartIdempotent:
		w.logger.Info("job start repeated, returning current session",
			zap.String("execution_id", req.ExecutionID),
			zap.String("kilo_session_id", current.KiloSessionID),
		)
		return &v1.StartJobResponse{Status: "started", KiloSessionID: current.KiloSessionID}, nil
	case StartConflict:
		return nil, apperrors.JobConflict(current.ExecutionID)
	}

	backend := w.factory(req.KilocodeToken)

	var kiloSessionID string
	if req.KiloSessionID != "" {
		session, err := backend.GetSession(ctx, req.KiloSessionID)
		if err != nil {
			backend.Close()
			return nil, apperrors.Operation(apperrors.ErrCodeSessionError, "failed to resume agent session", err)
		}
		kiloSessionID = session.ID
	} else {
		id, err := backend.CreateSession(ctx, req.KiloSessionTitle)
		if err != nil {
			backend.Close()
			return nil, apperrors.Operation(apperrors.ErrCodeSessionError, "failed to create agent session", err)
		}
		kiloSessionID = id
	}

	// Replacing an idle previous job tears its connections down.
	w.swapBackend(backend)
	w.state.CommitJob(&JobContext{
		ExecutionID:   req.ExecutionID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		KiloSessionID: kiloSessionID,
		IngestURL:     req.IngestURL,
		IngestToken:   req.IngestToken,
		KilocodeToken: req.KilocodeToken,
		StartedAt:     time.Now(),
	})

	w.logger.Info("job started",
		zap.String("execution_id", req.ExecutionID),
		zap.String("session_id", req.SessionID),
		zap.String("kilo_session_id", kiloSessionID),
	)

	return &v1.StartJobResponse{Status: "started", KiloSessionID: kiloSessionID}, nil
}

// openConnections brings up the ingest socket and the upstream event
// subscription; both must be live before the prompt is dispatched.
func (w *Worker) openConnections(ctx context.Context, job *JobContext) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.relay.Open(gctx, job)
	})
	backend := w.currentBackend()
	g.Go(func() error {
		return backend.StreamEvents(context.WithoutCancel(gctx), w.consumer.HandleEvent, w.consumer.HandleStreamDisconnect)
	})
	return g.Wait()
}

// Prompt dispatches a prompt to the agent backend, opening the relay
// connections first when the job is idle and disconnected. The recorded
// deadline is bookkeeping for external watchdogs, not an enforced timeout.
func (w *Worker) Prompt(ctx context.Context, req *v1.PromptRequest) (*v1.PromptResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}

	// Idle and disconnected: bring the relay connections up before
	// dispatching. This is also the reconnection path after a drop.
	if !w.state.IsActive() && !w.relay.IsConnected() {
		if err := w.openConnections(ctx, job); err != nil {
			return nil, apperrors.Operation(apperrors.ErrCodeConnectionError, "failed to open relay connections", err)
		}
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	deadline := time.Now().Add(w.cfg.Wrapper.MaxRuntimeDuration())
	w.state.RegisterInflight(messageID, deadline)

	if err := w.currentBackend().SendPromptAsync(ctx, job.KiloSessionID, buildKiloPrompt(req, messageID)); err != nil {
		w.state.RemoveInflight(messageID)
		return nil, apperrors.Operation(apperrors.ErrCodeSendError, "failed to dispatch prompt", err)
	}

	w.logger.Info("prompt dispatched",
		zap.String("execution_id", job.ExecutionID),
		zap.String("message_id", messageID),
	)

	return &v1.PromptResponse{Status: "sent", MessageID: messageID}, nil
}

// buildKiloPrompt maps the wrapper prompt body onto the agent backend's
// request shape.
func buildKiloPrompt(req *v1.PromptRequest, messageID string) *kilo.PromptRequest {
	out := &kilo.PromptRequest{
		MessageID: messageID,
		Agent:     req.Agent,
		System:    req.System,
		Tools:     req.Tools,
	}

	if req.Model != "" {
		out.Model = parseModelSpec(req.Model)
	}

	if len(req.Parts) > 0 {
		out.Parts = make([]kilo.PartInput, 0, len(req.Parts))
		for _, p := range req.Parts {
			out.Parts = append(out.Parts, kilo.PartInput{
				Type:      p.Type,
				Text:      p.Text,
				MediaType: p.MediaType,
				Data:      p.Data,
			})
		}
	} else {
		out.Parts = []kilo.PartInput{{Type: "text", Text: req.Prompt}}
	}
	return out
}

// parseModelSpec splits "provider/model" into its parts; a bare model id
// defaults to the kilocode provider.
func parseModelSpec(model string) *kilo.ModelSpec {
	if provider, id, ok := strings.Cut(model, "/"); ok {
		return &kilo.ModelSpec{ProviderID: provider, ModelID: id}
	}
	return &kilo.ModelSpec{ProviderID: "kilocode", ModelID: model}
}

// Command is a synchronous pass-through to the agent backend. It neither
// opens connections nor tracks inflight.
func (w *Worker) Command(ctx context.Context, req *v1.CommandRequest) (*v1.CommandResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}

	result, err := w.currentBackend().SendCommand(ctx, job.KiloSessionID, &kilo.CommandRequest{
		Command: req.Command,
		Args:    req.Args,
	})
	if err != nil {
		return nil, apperrors.Operation(apperrors.ErrCodeCommandError, "command failed", err)
	}
	w.state.RecordActivity()

	var decoded any
	if len(result) > 0 {
		_ = json.Unmarshal(result, &decoded)
	}
	return &v1.CommandResponse{Status: "sent", Result: decoded}, nil
}

// AnswerPermission replies to a pending permission request.
func (w *Worker) AnswerPermission(ctx context.Context, req *v1.AnswerPermissionRequest) (*v1.AnswerResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}
	if err := w.currentBackend().AnswerPermission(ctx, req.PermissionID, req.Response); err != nil {
		return nil, apperrors.Operation(apperrors.ErrCodePermissionError, "permission reply failed", err)
	}
	w.state.RecordActivity()
	return &v1.AnswerResponse{Status: "answered", Success: true}, nil
}

// AnswerQuestion replies to a pending question.
func (w *Worker) AnswerQuestion(ctx context.Context, req *v1.AnswerQuestionRequest) (*v1.AnswerResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}
	if err := w.currentBackend().AnswerQuestion(ctx, req.QuestionID, req.Answers); err != nil {
		return nil, apperrors.Operation(apperrors.ErrCodeQuestionError, "question reply failed", err)
	}
	w.state.RecordActivity()
	return &v1.AnswerResponse{Status: "answered", Success: true}, nil
}

// RejectQuestion rejects a pending question.
func (w *Worker) RejectQuestion(ctx context.Context, req *v1.RejectQuestionRequest) (*v1.AnswerResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}
	if err := w.currentBackend().RejectQuestion(ctx, req.QuestionID); err != nil {
		return nil, apperrors.Operation(apperrors.ErrCodeQuestionError, "question reject failed", err)
	}
	w.state.RecordActivity()
	return &v1.AnswerResponse{Status: "rejected", Success: true}, nil
}

// Abort cancels the current job. The aborted flag is set before the
// upstream abort call so late completion events cannot run post-completion
// bookkeeping; an upstream abort failure is logged and ignored.
func (w *Worker) Abort(ctx context.Context) (*v1.AbortResponse, error) {
	job := w.state.Job()
	if job == nil {
		return nil, apperrors.NoJob()
	}

	w.state.MarkAborted()

	if err := w.currentBackend().AbortSession(ctx, job.KiloSessionID); err != nil {
		w.logger.Warn("upstream abort failed, continuing",
			zap.String("execution_id", job.ExecutionID),
			zap.Error(err),
		)
	}

	w.relay.Send(v1.StreamEvent{
		StreamEventType: v1.StreamEventInterrupted,
		Payload:         map[string]string{"executionId": job.ExecutionID},
		Timestamp:       time.Now().UTC(),
	})

	cleared := w.state.ClearInflight()
	w.logger.Info("job aborted",
		zap.String("execution_id", job.ExecutionID),
		zap.Int("inflight_cleared", cleared),
	)

	w.currentBackend().StopStream()
	w.relay.Close()

	return &v1.AbortResponse{Status: "aborted"}, nil
}

// Health returns the health snapshot.
func (w *Worker) Health() *v1.HealthResponse {
	return &v1.HealthResponse{
		Healthy:       true,
		State:         w.state.StateLabel(),
		InflightCount: w.state.InflightCount(),
		Version:       Version,
	}
}

// Status returns the job status snapshot.
func (w *Worker) Status() *v1.JobStatusResponse {
	resp := &v1.JobStatusResponse{
		State:         w.state.StateLabel(),
		InflightCount: w.state.InflightCount(),
		Connected:     w.relay.IsConnected(),
		LastActivity:  w.state.LastActivity().UTC().Format(time.RFC3339),
	}
	if job := w.state.Job(); job != nil {
		resp.ExecutionID = job.ExecutionID
		resp.SessionID = job.SessionID
		resp.KiloSessionID = job.KiloSessionID
	}
	return resp
}

// Run is the worker's control loop: it consumes pipeline notifications
// until the context ends or a terminal error arrives. It returns nil on
// context cancellation and the terminal reason otherwise.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.shutdown(context.WithoutCancel(ctx))
			return nil

		case note := <-w.notify:
			switch note.Kind {
			case NoteCompletion:
				// A completion queued before the abort landed must not emit a
				// complete envelope behind the interrupted marker.
				if w.state.Aborted() {
					w.logger.Debug("completion after abort, ignoring")
					continue
				}
				w.logger.Info("completion signal", zap.Int("inflight_cleared", note.Cleared))
				w.relay.Send(v1.NewStreamEvent(v1.StreamEventComplete, nil))

			case NoteTerminalError:
				w.logger.Error("terminal error, shutting down", zap.String("reason", note.Reason))
				w.relay.Send(v1.StreamEvent{
					StreamEventType: v1.StreamEventError,
					Payload:         map[string]string{"reason": note.Reason},
					Timestamp:       time.Now().UTC(),
				})
				w.shutdown(context.WithoutCancel(ctx))
				return apperrors.Operation(apperrors.ErrCodeSessionError, note.Reason, nil)

			case NoteCommand:
				w.dispatchCommand(ctx, note.Command)

			case NoteDisconnected:
				// No auto-reconnect: the next prompt's open-if-idle check
				// drives reconnection.
				w.logger.Warn("connection lost", zap.String("reason", note.Reason))
			}
		}
	}
}

// dispatchCommand handles inbound worker commands from the ingest socket.
func (w *Worker) dispatchCommand(ctx context.Context, cmd *v1.WrapperCommand) {
	if cmd == nil {
		return
	}
	switch cmd.Command {
	case "abort":
		if _, err := w.Abort(ctx); err != nil {
			w.logger.Warn("inbound abort failed", zap.Error(err))
		}
	case "ping":
		w.relay.Send(v1.NewStreamEvent(v1.StreamEventStatus, nil))
	default:
		w.logger.Debug("unknown inbound command", zap.String("command", cmd.Command))
	}
}

// shutdown tears down connections, best-effort.
func (w *Worker) shutdown(ctx context.Context) {
	if backend := w.currentBackend(); backend != nil {
		if job := w.state.Job(); job != nil && w.state.IsActive() {
			_ = backend.AbortSession(ctx, job.KiloSessionID)
		}
		backend.StopStream()
		backend.Close()
	}
	w.relay.Close()
}
