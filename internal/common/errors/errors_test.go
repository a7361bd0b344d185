package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeExtraction(t *testing.T) {
	if Code(InvalidRequest("bad")) != ErrCodeInvalidRequest {
		t.Fatal("typed code lost")
	}
	if Code(errors.New("plain")) != ErrCodeInternalError {
		t.Fatal("untyped error should map to INTERNAL_ERROR")
	}
	wrapped := fmt.Errorf("outer: %w", NoJob())
	if Code(wrapped) != ErrCodeNoJob {
		t.Fatal("code not found through wrapping")
	}
}

func TestWrapPreservesClassification(t *testing.T) {
	inner := SandboxConnectFailed(errors.New("dial tcp: refused"))
	wrapped := Wrap(inner, "resolving sandbox")

	if wrapped.Code != ErrCodeSandboxConnectFailed {
		t.Fatalf("code = %q", wrapped.Code)
	}
	if wrapped.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", wrapped.HTTPStatus)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("wrapped error lost its chain")
	}

	plain := Wrap(errors.New("boom"), "context")
	if plain.Code != ErrCodeInternalError {
		t.Fatalf("untyped wrap code = %q", plain.Code)
	}
	if Wrap(nil, "nothing") != nil {
		t.Fatal("wrapping nil should yield nil")
	}
}

func TestRetryableClassification(t *testing.T) {
	retryable := []error{
		SandboxConnectFailed(errors.New("x")),
		WorkspaceSetupFailed(errors.New("x")),
		KiloServerFailed(errors.New("x")),
		WrapperStartFailed(errors.New("x")),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Fatalf("%s should be retryable", Code(err))
		}
		if GetHTTPStatus(err) != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", Code(err), GetHTTPStatus(err))
		}
	}

	terminal := []error{
		InvalidRequest("bad"),
		NoJob(),
		JobConflict("exec_1"),
		errors.New("plain"),
	}
	for _, err := range terminal {
		if IsRetryable(err) {
			t.Fatalf("%s should not be retryable", Code(err))
		}
	}
}

func TestHTTPStatuses(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidRequest("bad"), http.StatusBadRequest},
		{NoJob(), http.StatusBadRequest},
		{JobConflict("exec_1"), http.StatusConflict},
		{NotFound("/nope"), http.StatusNotFound},
		{MethodNotAllowed("PATCH"), http.StatusMethodNotAllowed},
		{Operation(ErrCodeSendError, "send failed", nil), http.StatusInternalServerError},
		{InternalError("boom", errors.New("x")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := GetHTTPStatus(tt.err); got != tt.want {
			t.Fatalf("%v: status = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIsTyped(t *testing.T) {
	if !IsTyped(NoJob()) {
		t.Fatal("AppError should be typed")
	}
	if !IsTyped(fmt.Errorf("outer: %w", NoJob())) {
		t.Fatal("wrapped AppError should be typed")
	}
	if IsTyped(errors.New("plain")) {
		t.Fatal("plain error should not be typed")
	}
}
