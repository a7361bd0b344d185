package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilodev/cloudagent/internal/common/config"
	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/kilo"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: 5, WriteTimeout: 5},
		Ingest:  testIngestConfig(),
		Kilo:    config.KiloConfig{Command: "kilo-server", BasePort: 4096, ReadinessTimeout: 5},
		Wrapper: config.WrapperConfig{Port: 9889, MaxRuntime: 3600, StartTimeout: 5, IdleThreshold: 60},
	}
}

// fakeBackend is an in-memory stand-in for the kilo client.
type fakeBackend struct {
	mu sync.Mutex

	createCalls int
	createErr   error
	createHook  func() // runs at the top of CreateSession
	sessionID   string

	getErr error

	promptErr   error
	promptCalls []*kilo.PromptRequest

	abortErr  error
	abortHook func() // runs when AbortSession is called

	handler kilo.EventHandler
}

func newFakeBackend(sessionID string) *fakeBackend {
	return &fakeBackend{sessionID: sessionID}
}

func (f *fakeBackend) CreateSession(_ context.Context, _ string) (string, error) {
	if f.createHook != nil {
		f.createHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.sessionID, nil
}

func (f *fakeBackend) GetSession(_ context.Context, sessionID string) (*kilo.SessionResponse, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &kilo.SessionResponse{ID: sessionID}, nil
}

func (f *fakeBackend) SendPromptAsync(_ context.Context, _ string, req *kilo.PromptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	f.promptCalls = append(f.promptCalls, req)
	return nil
}

func (f *fakeBackend) SendCommand(_ context.Context, _ string, _ *kilo.CommandRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeBackend) AnswerPermission(context.Context, string, string) error { return nil }
func (f *fakeBackend) AnswerQuestion(context.Context, string, []string) error { return nil }
func (f *fakeBackend) RejectQuestion(context.Context, string) error           { return nil }

func (f *fakeBackend) AbortSession(context.Context, string) error {
	if f.abortHook != nil {
		f.abortHook()
	}
	return f.abortErr
}

func (f *fakeBackend) StreamEvents(_ context.Context, handler kilo.EventHandler, _ kilo.DisconnectHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBackend) StopStream() {}
func (f *fakeBackend) Close()      {}

// emit injects an upstream event as if it arrived on the SSE stream.
func (f *fakeBackend) emit(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		t.Fatal("event stream was never opened")
	}
	handler([]byte(raw))
}

// newIngestServer runs a WebSocket endpoint that records every received
// envelope.
func newIngestServer(t *testing.T) (*httptest.Server, chan v1.StreamEvent) {
	t.Helper()
	received := make(chan v1.StreamEvent, 64)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ev v1.StreamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			received <- ev
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRequest(executionID, ingestURL string) *v1.StartJobRequest {
	return &v1.StartJobRequest{
		ExecutionID:   executionID,
		IngestURL:     ingestURL,
		IngestToken:   executionID,
		SessionID:     "s1",
		UserID:        "u1",
		KilocodeToken: "tok",
	}
}

func newTestWorker(t *testing.T, backend *fakeBackend) *Worker {
	t.Helper()
	return NewWorker(testConfig(), func(string) Backend { return backend }, testLogger(t))
}

func TestStartJobIdempotent(t *testing.T) {
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	first, err := worker.StartJob(ctx, startRequest("exec_1", "ws://ingest.local/events"))
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := worker.StartJob(ctx, startRequest("exec_1", "ws://ingest.local/events"))
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if first.KiloSessionID != "ks_1" || second.KiloSessionID != "ks_1" {
		t.Fatalf("kilo session ids differ: %q vs %q", first.KiloSessionID, second.KiloSessionID)
	}
	if backend.createCalls != 1 {
		t.Fatalf("created %d agent sessions, want 1", backend.createCalls)
	}
}

func TestStartJobConcurrentSameExecution(t *testing.T) {
	backend := newFakeBackend("ks_1")
	release := make(chan struct{})
	backend.createHook = func() { <-release }
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	responses := make([]*v1.StartJobResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = worker.StartJob(ctx, startRequest("exec_1", "ws://ingest.local/events"))
		}(i)
	}

	// Hold the first session create open so both requests overlap, then let
	// them race to completion.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("start %d: %v", i, errs[i])
		}
		if responses[i].KiloSessionID != "ks_1" {
			t.Fatalf("start %d kilo session = %q", i, responses[i].KiloSessionID)
		}
	}
	if backend.createCalls != 1 {
		t.Fatalf("concurrent starts created %d agent sessions, want 1", backend.createCalls)
	}
}

func TestStartJobConflictWhileActive(t *testing.T) {
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", "ws://ingest.local/events")); err != nil {
		t.Fatalf("start: %v", err)
	}
	worker.State().RegisterInflight("m1", time.Now().Add(time.Hour))

	_, err := worker.StartJob(ctx, startRequest("exec_2", "ws://ingest.local/events"))
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	if apperrors.Code(err) != apperrors.ErrCodeJobConflict {
		t.Fatalf("code = %q, want JOB_CONFLICT", apperrors.Code(err))
	}
	if apperrors.GetHTTPStatus(err) != http.StatusConflict {
		t.Fatalf("status = %d, want 409", apperrors.GetHTTPStatus(err))
	}

	// Original job untouched.
	if job := worker.State().Job(); job.ExecutionID != "exec_1" || job.KiloSessionID != "ks_1" {
		t.Fatalf("conflict changed the current job: %+v", job)
	}
}

func TestPromptRequiresJob(t *testing.T) {
	worker := newTestWorker(t, newFakeBackend("ks_1"))

	_, err := worker.Prompt(context.Background(), &v1.PromptRequest{Prompt: "hello"})
	if apperrors.Code(err) != apperrors.ErrCodeNoJob {
		t.Fatalf("code = %q, want NO_JOB", apperrors.Code(err))
	}
}

func TestPromptDispatchFailureRemovesInflight(t *testing.T) {
	srv, _ := newIngestServer(t)
	backend := newFakeBackend("ks_1")
	backend.promptErr = errors.New("backend down")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", wsURL(srv))); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := worker.Prompt(ctx, &v1.PromptRequest{Prompt: "hello"})
	if apperrors.Code(err) != apperrors.ErrCodeSendError {
		t.Fatalf("code = %q, want SEND_ERROR", apperrors.Code(err))
	}
	if worker.State().InflightCount() != 0 {
		t.Fatal("failed dispatch left an inflight entry behind")
	}
}

func TestPromptDispatchRegistersInflight(t *testing.T) {
	srv, _ := newIngestServer(t)
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", wsURL(srv))); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := worker.Prompt(ctx, &v1.PromptRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if resp.Status != "sent" || resp.MessageID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if worker.State().InflightCount() != 1 {
		t.Fatal("prompt did not register an inflight entry")
	}
	if !worker.State().IsActive() {
		t.Fatal("prompt did not mark the job active")
	}
	if !worker.Relay().IsConnected() {
		t.Fatal("prompt did not open the ingest socket")
	}
}

func TestAbortSetsFlagBeforeUpstreamCall(t *testing.T) {
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", "ws://ingest.local/events")); err != nil {
		t.Fatalf("start: %v", err)
	}
	worker.State().RegisterInflight("m1", time.Now().Add(time.Hour))

	// The upstream abort fails; the flag must already be set when the call
	// is made, and the abort must still succeed.
	backend.abortErr = errors.New("upstream gone")
	var flagAtUpstreamCall bool
	backend.abortHook = func() {
		flagAtUpstreamCall = worker.State().Aborted()
	}

	resp, err := worker.Abort(ctx)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if resp.Status != "aborted" {
		t.Fatalf("status = %q", resp.Status)
	}
	if !flagAtUpstreamCall {
		t.Fatal("aborted flag was not set before the upstream abort call")
	}
	if worker.State().InflightCount() != 0 {
		t.Fatal("abort did not clear inflight entries")
	}
	// The interrupted event is buffered since the relay never connected.
	if worker.Relay().BufferLen() != 1 {
		t.Fatalf("buffered %d events, want the interrupted marker", worker.Relay().BufferLen())
	}
}

func TestAbortSuppressesLateCompletion(t *testing.T) {
	srv, _ := newIngestServer(t)
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", wsURL(srv))); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := worker.Prompt(ctx, &v1.PromptRequest{Prompt: "hello"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if _, err := worker.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	for len(worker.notify) > 0 {
		<-worker.notify
	}

	// The upstream stream drains asynchronously after the abort; a late idle
	// or assistant completion must not signal completion or touch inflight.
	backend.emit(t, `{"type":"session.idle","properties":{"sessionID":"ks_1"}}`)
	backend.emit(t, string(assistantCompletedEvent("ks_1")))

	select {
	case note := <-worker.notify:
		t.Fatalf("post-abort event produced notification %+v", note)
	case <-time.After(100 * time.Millisecond):
	}
	if worker.State().InflightCount() != 0 {
		t.Fatal("post-abort event changed the inflight set")
	}
}

func TestSessionIdleEndToEnd(t *testing.T) {
	srv, received := newIngestServer(t)
	backend := newFakeBackend("ks_1")
	worker := newTestWorker(t, backend)
	ctx := context.Background()

	if _, err := worker.StartJob(ctx, startRequest("exec_1", wsURL(srv))); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := worker.Prompt(ctx, &v1.PromptRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if worker.State().InflightCount() != 1 {
		t.Fatalf("inflight = %d before idle", worker.State().InflightCount())
	}

	backend.emit(t, `{"type":"session.idle","properties":{"sessionID":"ks_1"}}`)

	// The tracked message transitioned out of inflight and a completion
	// notification is observable.
	if worker.State().InflightCount() != 0 {
		t.Fatalf("message %s still inflight after session.idle", resp.MessageID)
	}
	select {
	case note := <-worker.Notifications():
		if note.Kind != NoteCompletion || note.Cleared != 1 {
			t.Fatalf("unexpected notification %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion notification after session.idle")
	}

	// The idle event itself was relayed to the ingest endpoint.
	select {
	case ev := <-received:
		if ev.StreamEventType != v1.StreamEventKilocode {
			t.Fatalf("relayed type = %q, want kilocode", ev.StreamEventType)
		}
	case <-time.After(time.Second):
		t.Fatal("session.idle was not relayed")
	}
}
