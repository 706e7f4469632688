package api

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"

	"AgentPay-Chain/internal/auth"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/internal/workflow"
)

type errorDetail struct {
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	RunID      string              `json:"run_id,omitempty"`
	Attempts   int                 `json:"attempts,omitempty"`
	Compliance *complianceDetail   `json:"compliance,omitempty"`
	Violations []map[string]string `json:"violations,omitempty"`
}

type complianceDetail struct {
	Status    workflow.ComplianceStatus `json:"status"`
	RiskScore float64                   `json:"risk_score"`
	Reason    string                    `json:"reason,omitempty"`
	EventRef  string                    `json:"event_ref,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// statusFor 把错误映射为 HTTP 状态码：校验失败 400，未认证 401，预算拒绝 402，
// 无权限 403，合规中止 422，未找到 404，其余下游失败 502。
func statusFor(err error) int {
	switch {
	case stdErrors.Is(err, workflow.ErrBudgetRejected):
		return http.StatusPaymentRequired
	case stdErrors.Is(err, workflow.ErrComplianceAborted):
		return http.StatusUnprocessableEntity
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeCanceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}

	var runErr *workflow.RunError
	if stdErrors.As(err, &runErr) {
		detail.RunID = runErr.RunID
		detail.Attempts = runErr.Attempts
	}
	var aborted *workflow.ComplianceAbortedError
	if stdErrors.As(err, &aborted) {
		detail.Compliance = &complianceDetail{
			Status:    aborted.Status,
			RiskScore: aborted.RiskScore,
			Reason:    aborted.Reason,
			EventRef:  aborted.EventRef,
		}
	}
	var rejected *workflow.BudgetRejectedError
	if stdErrors.As(err, &rejected) {
		detail.Violations = workflow.ViolationSummaries(rejected.Violations())
	}
	writeJSON(w, statusFor(err), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
