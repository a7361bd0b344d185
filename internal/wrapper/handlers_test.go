package wrapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, backend *fakeBackend) (*gin.Engine, *Worker) {
	t.Helper()
	worker := newTestWorker(t, backend)
	return NewRouter(worker, testLogger(t)), worker
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) v1.ErrorBody {
	t.Helper()
	var resp v1.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func startBody(executionID, ingestURL string) string {
	return fmt.Sprintf(`{
		"executionId": %q,
		"ingestUrl": %q,
		"ingestToken": %q,
		"sessionId": "s1",
		"userId": "u1",
		"kilocodeToken": "tok"
	}`, executionID, ingestURL, executionID)
}

func TestStartPromptIdleFlow(t *testing.T) {
	srv, _ := newIngestServer(t)
	backend := newFakeBackend("ks_1")
	router, worker := newTestRouter(t, backend)

	rec := doJSON(t, router, http.MethodPost, "/job/start", startBody("exec_1", wsURL(srv)))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	var started v1.StartJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.Status != "started" || started.KiloSessionID != "ks_1" {
		t.Fatalf("unexpected start response %+v", started)
	}

	rec = doJSON(t, router, http.MethodPost, "/job/prompt", `{"prompt":"write tests"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("prompt status = %d, body %s", rec.Code, rec.Body.String())
	}
	var prompted v1.PromptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &prompted); err != nil {
		t.Fatalf("decode prompt response: %v", err)
	}
	if prompted.Status != "sent" || prompted.MessageID == "" {
		t.Fatalf("unexpected prompt response %+v", prompted)
	}

	rec = doJSON(t, router, http.MethodGet, "/job/status", "")
	var status v1.JobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status.State != "active" || status.InflightCount != 1 {
		t.Fatalf("status before idle = %+v", status)
	}

	backend.emit(t, `{"type":"session.idle","properties":{"sessionID":"ks_1"}}`)

	rec = doJSON(t, router, http.MethodGet, "/job/status", "")
	status = v1.JobStatusResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status.State != "idle" || status.InflightCount != 0 {
		t.Fatalf("status after idle = %+v", status)
	}

	select {
	case note := <-worker.Notifications():
		if note.Kind != NoteCompletion {
			t.Fatalf("unexpected notification %+v", note)
		}
	default:
		t.Fatal("no completion notification observable after session.idle")
	}
}

func TestStartJobConflictStatus(t *testing.T) {
	backend := newFakeBackend("ks_1")
	router, worker := newTestRouter(t, backend)

	rec := doJSON(t, router, http.MethodPost, "/job/start", startBody("exec_1", "ws://ingest.local/events"))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	worker.State().RegisterInflight("m1", time.Now().Add(time.Hour))

	rec = doJSON(t, router, http.MethodPost, "/job/start", startBody("exec_2", "ws://ingest.local/events"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d, want 409", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "JOB_CONFLICT" {
		t.Fatalf("conflict code = %q", body.Code)
	}
}

func TestPromptWithoutJob(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodPost, "/job/prompt", `{"prompt":"hello"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "NO_JOB" {
		t.Fatalf("code = %q, want NO_JOB", body.Code)
	}
}

func TestStartJobNamesMissingFields(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodPost, "/job/start", `{"executionId":"exec_1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Code != "INVALID_REQUEST" {
		t.Fatalf("code = %q", body.Code)
	}
	for _, field := range []string{"ingestUrl", "ingestToken", "sessionId", "userId", "kilocodeToken"} {
		if !strings.Contains(body.Message, field) {
			t.Fatalf("message %q does not name missing field %s", body.Message, field)
		}
	}
	if strings.Contains(body.Message, "executionId") {
		t.Fatalf("message %q names a field that was present", body.Message)
	}
}

func TestPromptRequiresPromptOrParts(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodPost, "/job/prompt", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "INVALID_REQUEST" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestAnswerPermissionValidatesResponseEnum(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodPost, "/job/answer-permission",
		`{"permissionId":"p1","response":"maybe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "INVALID_REQUEST" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestUnknownPathAndMethod(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d, want 404", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "NOT_FOUND" {
		t.Fatalf("code = %q, want NOT_FOUND", body.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/job/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status = %d, want 405", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "METHOD_NOT_ALLOWED" {
		t.Fatalf("code = %q, want METHOD_NOT_ALLOWED", body.Code)
	}
}

func TestPanicReturnsErrorEnvelope(t *testing.T) {
	router := gin.New()
	router.Use(recovery(testLogger(t)))
	router.GET("/boom", func(*gin.Context) { panic("handler blew up") })

	rec := doJSON(t, router, http.MethodGet, "/boom", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "INTERNAL_ERROR" {
		t.Fatalf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, newFakeBackend("ks_1"))

	rec := doJSON(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health v1.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Healthy || health.State != "idle" || health.Version != Version {
		t.Fatalf("unexpected health %+v", health)
	}
}
