package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestClassifyKeepsExistingCode(t *testing.T) {
	original := New(CodeInvalidArgument, "金额不能为空")
	wrapped := fmt.Errorf("outer: %w", original)

	if got := Classify(wrapped, "调用失败"); got != wrapped {
		t.Fatalf("expected classified error to be returned unchanged, got %v", got)
	}
	if RetryableError(wrapped) {
		t.Fatalf("invalid argument must not be retryable")
	}
}

func TestClassifyCollaboratorErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      Code
		retryable bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, code: CodeTimeout, retryable: true},
		{name: "canceled", err: context.Canceled, code: CodeCanceled, retryable: false},
		{name: "network", err: stdErrors.New("connection reset"), code: CodeTransient, retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := Classify(tc.err, "协作方调用失败")
			if CodeOf(classified) != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, CodeOf(classified))
			}
			if RetryableError(classified) != tc.retryable {
				t.Fatalf("unexpected retryable flag for %s", tc.name)
			}
			if !stdErrors.Is(classified, tc.err) {
				t.Fatalf("classified error must unwrap to the cause")
			}
		})
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(CodeStorageFailure, "写入失败", WithRetryable(false), WithMetadata("table", "ledger"))
	if err.Retryable() {
		t.Fatalf("override should disable retry")
	}
	if err.Metadata()["table"] != "ledger" {
		t.Fatalf("metadata not preserved: %+v", err.Metadata())
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("errors.Is should match by code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})
	if !RetryableError(New(code, "")) {
		t.Fatalf("registered code should be retryable")
	}
	if got := New(code, "").Message(); got != "custom" {
		t.Fatalf("expected default message, got %q", got)
	}
}
