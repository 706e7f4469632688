package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"AgentPay-Chain/internal/audit"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/workflow"
)

// fail 写入 workflow_failed、按需告警，并返回携带尝试次数的 RunError。
func (o *Orchestrator) fail(ctx context.Context, run *workflow.Run, input workflow.Input, maxAttempts int, err error, log *slog.Logger) error {
	run.Status = workflow.RunFailed
	code := xerrors.CodeOf(err)
	exhausted := xerrors.RetryableError(err) && run.Attempts >= maxAttempts

	detail := map[string]any{
		"error":        err.Error(),
		"error_code":   string(code),
		"attempts":     run.Attempts,
		"max_attempts": maxAttempts,
		"retryable":    xerrors.RetryableError(err),
	}
	var stageErr *workflow.StageError
	if errors.As(err, &stageErr) {
		detail["stage"] = string(stageErr.Stage)
	}
	var aborted *workflow.ComplianceAbortedError
	if errors.As(err, &aborted) {
		detail["compliance_status"] = string(aborted.Status)
		detail["risk_score"] = aborted.RiskScore
		detail["reason"] = aborted.Reason
		detail["event_ref"] = aborted.EventRef
	}
	var rejected *workflow.BudgetRejectedError
	if errors.As(err, &rejected) {
		detail["violations"] = workflow.ViolationSummaries(rejected.Violations())
	}

	// 失败审计与告警不受上游取消影响。
	bg := context.WithoutCancel(ctx)
	if recordErr := o.record(bg, run, audit.ActionWorkflowFailed, detail); recordErr != nil {
		log.Error("写入运行失败审计失败", slog.Any("error", recordErr))
	}
	o.observe(run, code)
	log.Warn("运行失败",
		slog.Int("attempts", run.Attempts),
		slog.String("error_code", string(code)),
		slog.Bool("retries_exhausted", exhausted),
		slog.Any("error", err),
	)

	if exhausted && maxAttempts > 1 {
		o.alert(bg, run, input, maxAttempts, xerrors.CodeRetriesExhausted, xerrors.AttributesOf(xerrors.CodeRetriesExhausted).Severity, err, log)
	} else if xerrors.ShouldAlert(err) {
		o.alert(bg, run, input, maxAttempts, code, xerrors.SeverityOf(err), err, log)
	}

	return &workflow.RunError{RunID: run.ID, Attempts: run.Attempts, Err: err}
}

func (o *Orchestrator) alert(ctx context.Context, run *workflow.Run, input workflow.Input, maxAttempts int, code xerrors.Code, severity xerrors.Severity, err error, log *slog.Logger) {
	if o.alerts == nil {
		return
	}
	metadata := map[string]string{
		"project_id": run.ProjectID,
		"last_code":  string(xerrors.CodeOf(err)),
		"amount":     input.Amount.String(),
	}
	var aborted *workflow.ComplianceAbortedError
	if errors.As(err, &aborted) {
		metadata["risk_score"] = strconv.FormatFloat(aborted.RiskScore, 'f', 2, 64)
	}
	event := alerting.Event{
		Code:        code,
		Message:     err.Error(),
		Severity:    severity,
		RunID:       run.ID,
		AgentID:     run.AgentID,
		TaskID:      input.TaskID,
		Attempts:    run.Attempts,
		MaxAttempts: maxAttempts,
		Metadata:    metadata,
		OccurredAt:  o.now().UTC(),
	}
	if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
		log.Error("发送告警失败", slog.Any("error", notifyErr))
	}
}
