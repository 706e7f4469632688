package workflow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

func validInput() Input {
	return Input{
		ProjectID: "proj-1",
		AgentID:   "did:agent:1",
		Intent:    "buy market data",
		Amount:    decimal.RequireFromString("10.00"),
		Recipient: "0xabc",
	}
}

func TestInputValidate(t *testing.T) {
	if err := validInput().Validate(); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}

	cases := map[string]func(*Input){
		"missing agent":  func(in *Input) { in.AgentID = " " },
		"missing intent": func(in *Input) { in.Intent = "" },
		"zero amount":    func(in *Input) { in.Amount = decimal.Zero },
		"negative limit": func(in *Input) { v := decimal.NewFromInt(-1); in.DailyLimit = &v },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		err := in.Validate()
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected INVALID_ARGUMENT, got %v", name, err)
		}
		if xerrors.RetryableError(err) {
			t.Fatalf("%s: validation errors must not be retryable", name)
		}
	}
}

func TestTerminalErrorsAreNotRetryable(t *testing.T) {
	aborted := &StageError{Stage: StageCompliance, RunID: "r1", Err: &ComplianceAbortedError{Status: ComplianceFail, RiskScore: 0.9, Reason: "blocked"}}
	rejected := &StageError{Stage: StageTransaction, RunID: "r1", Err: &BudgetRejectedError{}}

	for _, err := range []error{aborted, rejected} {
		if xerrors.RetryableError(err) {
			t.Fatalf("expected %v to be terminal", err)
		}
	}
	if !errors.Is(aborted, ErrComplianceAborted) || xerrors.CodeOf(aborted) != CodeComplianceAborted {
		t.Fatalf("compliance abort not classified: %v", aborted)
	}
	if !errors.Is(rejected, ErrBudgetRejected) {
		t.Fatalf("budget rejection not classified: %v", rejected)
	}

	var abortErr *ComplianceAbortedError
	if !errors.As(&RunError{RunID: "r1", Attempts: 1, Err: aborted}, &abortErr) || abortErr.RiskScore != 0.9 {
		t.Fatalf("run error must expose the compliance detail")
	}
}

func TestStageErrorKeepsRetryability(t *testing.T) {
	err := &StageError{Stage: StageAnalysis, RunID: "r2", Err: xerrors.New(xerrors.CodeTransient, "down")}
	if !xerrors.RetryableError(err) {
		t.Fatalf("transient stage error should be retryable")
	}
	if got := err.Error(); got != "stage analysis (run r2): [TRANSIENT] down" {
		t.Fatalf("unexpected message %q", got)
	}
}
