package workflow

import (
	"fmt"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	CodeComplianceAborted xerrors.Code = "COMPLIANCE_ABORTED"
	CodeBudgetRejected    xerrors.Code = "BUDGET_REJECTED"
)

func init() {
	xerrors.Register(CodeComplianceAborted, xerrors.Attributes{
		Message:  "compliance check aborted the run",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeBudgetRejected, xerrors.Attributes{
		Message:  "budget limit rejected the transaction",
		Severity: xerrors.SeverityInfo,
	})
}

var (
	// ErrComplianceAborted 是所有合规中止错误的哨兵值，可配合 errors.Is 使用。
	ErrComplianceAborted = xerrors.New(CodeComplianceAborted, "合规检查终止了运行")
	// ErrBudgetRejected 是所有预算拒绝错误的哨兵值。
	ErrBudgetRejected = xerrors.New(CodeBudgetRejected, "预算限额拒绝了交易")
)

// ComplianceAbortedError 表示合规阶段给出 FAIL（或未授权的 ESCALATED），运行被终止且不可重试。
type ComplianceAbortedError struct {
	Status    ComplianceStatus
	RiskScore float64
	Reason    string
	EventRef  string
}

func (e *ComplianceAbortedError) Error() string {
	return fmt.Sprintf("compliance aborted (%s, risk %.2f): %s", e.Status, e.RiskScore, e.Reason)
}

func (e *ComplianceAbortedError) Unwrap() error { return ErrComplianceAborted }

// BudgetRejectedError 携带完整的违规列表，不可重试。
type BudgetRejectedError struct {
	Check BudgetCheck
}

func (e *BudgetRejectedError) Error() string {
	kinds := make([]string, 0, len(e.Check.Violations))
	for _, v := range e.Check.Violations {
		kinds = append(kinds, string(v.Kind))
	}
	return fmt.Sprintf("budget rejected for agent %s: %s", e.Check.AgentID, strings.Join(kinds, ", "))
}

func (e *BudgetRejectedError) Unwrap() error { return ErrBudgetRejected }

// Violations 返回违规列表（日维度在前）。
func (e *BudgetRejectedError) Violations() []Violation {
	return e.Check.Violations
}

// StageError 在阶段内部错误上标注阶段名与运行 ID。
type StageError struct {
	Stage Stage
	RunID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (run %s): %v", e.Stage, e.RunID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RunError 是编排器最终返回的失败，记录尝试次数并包裹最后一次错误。
type RunError struct {
	RunID    string
	Attempts int
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed after %d attempt(s): %v", e.RunID, e.Attempts, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
