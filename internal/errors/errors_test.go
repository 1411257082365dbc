package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeAdapterSetup, cause, "无法连接共享状态存储")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeAdapterSetup, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if CodeOf(wrapped) != CodeAdapterSetup {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !ShouldAlert(wrapped) {
		t.Fatalf("adapter setup failures must alert")
	}
}

func TestAttributesDriveRetryAndStatus(t *testing.T) {
	cases := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidation, http.StatusBadRequest, false},
		{CodeNotFound, http.StatusNotFound, false},
		{CodeBusy, http.StatusConflict, true},
		{CodeServerBusy, http.StatusServiceUnavailable, true},
		{CodeRateLimited, http.StatusTooManyRequests, true},
		{Code("NEVER_REGISTERED"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := New(tc.code, "")
			if err.HTTPStatus() != tc.status {
				t.Fatalf("status = %d, want %d", err.HTTPStatus(), tc.status)
			}
			if RetryableError(err) != tc.retryable {
				t.Fatalf("retryable = %v, want %v", RetryableError(err), tc.retryable)
			}
		})
	}
}

func TestDetailsAreCopied(t *testing.T) {
	err := New(CodeRateLimited, "", WithDetail("retryAfterMs", int64(1500)))
	details := err.Details()
	details["retryAfterMs"] = 0
	if err.Details()["retryAfterMs"] != int64(1500) {
		t.Fatalf("details must not be mutated through the returned map")
	}
	if err.Message() != "rate limit exceeded" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}
