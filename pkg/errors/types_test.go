package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrCodeBudgetExceeded, "token budget exhausted").
		WithContext("requested", 500).
		WithContext("remaining", 0)

	msg := err.Error()
	if !strings.Contains(msg, "[BUDGET_EXCEEDED]") {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "token budget exhausted") {
		t.Errorf("expected message text, got %q", msg)
	}
	if !strings.Contains(msg, "requested: 500") {
		t.Errorf("expected context in message, got %q", msg)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if got := Wrap(nil, ErrCodeInternal, "nothing"); got != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	underlying := stderrors.New("disk gone")
	err := Wrap(underlying, ErrCodeLoadFailed, "artifact read failed")

	if !stderrors.Is(err, underlying) {
		t.Error("expected errors.Is to find the underlying error")
	}
	if !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("expected underlying message, got %q", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeToolNotFound, "no such tool")

	if !IsCode(err, ErrCodeToolNotFound) {
		t.Error("IsCode should match the error's code")
	}
	if IsCode(err, ErrCodePermissionDenied) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, ErrCodeToolNotFound) {
		t.Error("IsCode(nil) should be false")
	}
	if IsCode(stderrors.New("plain"), ErrCodeToolNotFound) {
		t.Error("IsCode on a plain error should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %q, want empty", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %q, want INTERNAL", got)
	}
	if got := GetCode(New(ErrCodeStorageFull, "full")); got != ErrCodeStorageFull {
		t.Errorf("GetCode = %q, want STORAGE_FULL", got)
	}
}

func TestRetryable(t *testing.T) {
	err := New(ErrCodeLLMError, "stream reset").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("expected retryable error")
	}
	if IsRetryable(New(ErrCodeConfigInvalid, "bad config")) {
		t.Error("config errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}
