package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/compliance"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/memory"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/workflow"
)

// analyze 生成结构化摘要并写入记忆。
func (p *Pipeline) analyze(ctx context.Context, r *run) (State, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	output, err := p.deps.Analyzer.Analyze(sctx, r.attempt.Input)
	if err != nil {
		return StateAnalysis, xerrors.Classify(err, "市场分析失败")
	}
	if output == nil {
		output = map[string]any{}
	}
	r.analysis = output

	result, err := p.persist(sctx, r, workflow.StageAnalysis, output)
	if err != nil {
		return StateAnalysis, err
	}
	if err := p.record(sctx, r, audit.ActionAnalysisDone, map[string]any{
		"memory_ref": result.MemoryRef,
	}); err != nil {
		return StateAnalysis, err
	}
	return StateCompliance, nil
}

// review 调用合规网关。FAIL 以及未获覆盖的 ESCALATED 进入 ABORTED。
func (p *Pipeline) review(ctx context.Context, r *run) (State, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	action := make(map[string]any, len(r.analysis)+1)
	for k, v := range r.analysis {
		action[k] = v
	}
	action["escalation_override"] = r.attempt.Input.EscalationOverride

	outcome, err := p.deps.Compliance.Evaluate(sctx, compliance.Request{
		AgentID:       r.attempt.Input.AgentID,
		RunID:         r.attempt.RunID,
		ActionContext: action,
	})
	if err != nil {
		return StateCompliance, xerrors.Classify(err, "合规评估失败")
	}
	outcome = normalizeOutcome(outcome)
	p.observer.ObserveCompliance(outcome.Status)
	r.compliance = outcome
	r.outcome.Compliance = outcome

	proceed := outcome.Status == workflow.CompliancePass ||
		(outcome.Status == workflow.ComplianceEscalated && r.attempt.Input.EscalationOverride)

	// 中止结论优先于记忆与审计写入：写入失败只记录日志，不能把终态变成可重试错误。
	result, err := p.persist(sctx, r, workflow.StageCompliance, map[string]any{
		"status":     string(outcome.Status),
		"risk_score": outcome.RiskScore,
		"reason":     outcome.Reason,
		"event_ref":  outcome.EventRef,
		"override":   r.attempt.Input.EscalationOverride,
	})
	if err != nil {
		if proceed {
			return StateCompliance, err
		}
		r.log.Error("写入合规阶段记忆失败", slog.Any("error", err))
	}
	if err := p.record(sctx, r, audit.ActionComplianceDone, map[string]any{
		"status":     string(outcome.Status),
		"risk_score": outcome.RiskScore,
		"event_ref":  outcome.EventRef,
		"memory_ref": result.MemoryRef,
	}); err != nil {
		if proceed {
			return StateCompliance, err
		}
		r.log.Error("写入合规阶段审计失败", slog.Any("error", err))
	}

	if proceed {
		if outcome.Status == workflow.ComplianceEscalated {
			r.log.Warn("合规结论为 ESCALATED，已按覆盖标记放行",
				slog.Float64("risk_score", outcome.RiskScore),
				slog.String("event_ref", outcome.EventRef),
			)
		}
		return StateTransaction, nil
	}

	aborted := &workflow.ComplianceAbortedError{
		Status:    outcome.Status,
		RiskScore: outcome.RiskScore,
		Reason:    outcome.Reason,
		EventRef:  outcome.EventRef,
	}
	if err := p.record(sctx, r, audit.ActionComplianceAborted, map[string]any{
		"status":     string(outcome.Status),
		"risk_score": outcome.RiskScore,
		"reason":     outcome.Reason,
		"event_ref":  outcome.EventRef,
	}); err != nil {
		r.log.Error("写入合规中止审计失败", slog.Any("error", err))
	}
	return StateAborted, aborted
}

// transact 先做预算准入，再签名并提交支付请求。
func (p *Pipeline) transact(ctx context.Context, r *run) (State, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	in := r.attempt.Input

	check, hold, err := p.deps.Budget.Authorize(sctx, budget.Request{
		AgentID:      in.AgentID,
		ProjectID:    in.ProjectID,
		Amount:       in.Amount,
		DailyLimit:   in.DailyLimit,
		MonthlyLimit: in.MonthlyLimit,
	})
	if err != nil {
		return StateTransaction, xerrors.Classify(err, "预算检查失败")
	}
	r.outcome.Budget = check

	if !check.Allowed {
		for _, v := range check.Violations {
			p.observer.ObserveBudgetRejection(v.Kind)
		}
		if err := p.record(sctx, r, audit.ActionBudgetRejected, map[string]any{
			"proposed_amount": check.ProposedAmount.StringFixed(2),
			"daily_spend":     check.Daily.Spend.StringFixed(2),
			"monthly_spend":   check.Monthly.Spend.StringFixed(2),
			"violations":      workflow.ViolationSummaries(check.Violations),
		}); err != nil {
			r.log.Error("写入预算拒绝审计失败", slog.Any("error", err))
		}
		return StateTransaction, &workflow.BudgetRejectedError{Check: check}
	}

	payload := payment.Payload{
		RunID:         r.attempt.RunID,
		TaskID:        in.TaskID,
		ProjectID:     in.ProjectID,
		AgentID:       in.AgentID,
		Amount:        in.Amount.String(),
		Currency:      in.Currency,
		Recipient:     in.Recipient,
		ComplianceRef: r.compliance.EventRef,
		Nonce:         uuid.NewString(),
		IssuedAt:      p.now().Unix(),
	}
	signature, err := p.deps.Signer.Sign(payload)
	if err != nil {
		p.release(ctx, r, hold)
		return StateTransaction, err
	}
	receipt, err := p.deps.Payment.Submit(sctx, payment.SubmitRequest{
		AgentID:   in.AgentID,
		TaskID:    in.TaskID,
		RunID:     r.attempt.RunID,
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		p.release(ctx, r, hold)
		return StateTransaction, xerrors.Classify(err, "提交支付请求失败")
	}
	if hold != nil {
		if err := hold.Confirm(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("确认预算预留失败", slog.Any("error", err))
		}
	}
	r.outcome.RequestID = receipt.RequestID
	r.outcome.PaymentStatus = receipt.Status

	// 支付已被受理，之后的记忆与审计写入失败不能再触发重试，否则会重复支付。
	output := map[string]any{
		"request_id":     receipt.RequestID,
		"payment_status": receipt.Status,
		"amount":         payload.Amount,
		"currency":       payload.Currency,
		"recipient":      payload.Recipient,
		"nonce":          payload.Nonce,
		"signer":         p.deps.Signer.Address(),
		"compliance": map[string]any{
			"status":     string(r.compliance.Status),
			"risk_score": r.compliance.RiskScore,
			"event_ref":  r.compliance.EventRef,
		},
		"budget": map[string]any{
			"daily_spend":   check.Daily.Spend.StringFixed(2),
			"monthly_spend": check.Monthly.Spend.StringFixed(2),
			"allowed":       check.Allowed,
		},
	}
	result, err := p.persist(sctx, r, workflow.StageTransaction, output)
	if err != nil {
		r.log.Error("写入交易阶段记忆失败", slog.String("request_id", receipt.RequestID), slog.Any("error", err))
		r.outcome.StageOutputs = append(r.outcome.StageOutputs, result)
	}
	if err := p.record(sctx, r, audit.ActionTransactionDone, map[string]any{
		"request_id":     receipt.RequestID,
		"payment_status": receipt.Status,
		"amount":         payload.Amount,
		"memory_ref":     result.MemoryRef,
	}); err != nil {
		r.log.Error("写入交易完成审计失败", slog.String("request_id", receipt.RequestID), slog.Any("error", err))
	}
	return StateDone, nil
}

func (p *Pipeline) release(ctx context.Context, r *run, hold budget.Hold) {
	if hold == nil {
		return
	}
	if err := hold.Release(context.WithoutCancel(ctx)); err != nil {
		r.log.Error("释放预算预留失败", slog.Any("error", err))
	}
}

// persist 把阶段结果写入记忆；成功时追加到本次执行的阶段输出。
// 失败时返回不带 memory_ref 的结果。
func (p *Pipeline) persist(ctx context.Context, r *run, stage workflow.Stage, output map[string]any) (workflow.StageResult, error) {
	result := workflow.StageResult{Stage: stage, Output: output, ProducedAt: p.now().UTC()}
	content, err := json.Marshal(output)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码阶段输出失败")
	}
	ref, err := p.deps.Memory.Store(ctx, memory.Entry{
		ProjectID:  r.attempt.Input.ProjectID,
		AgentID:    r.attempt.Input.AgentID,
		RunID:      r.attempt.RunID,
		MemoryType: string(stage),
		Namespace:  p.namespace,
		Content:    string(content),
		Metadata: map[string]string{
			"stage":   string(stage),
			"attempt": strconv.Itoa(r.attempt.Number),
		},
		CreatedAt: result.ProducedAt,
	})
	if err != nil {
		return result, xerrors.Classify(err, "写入阶段记忆失败")
	}
	result.MemoryRef = ref
	r.outcome.StageOutputs = append(r.outcome.StageOutputs, result)
	return result, nil
}

func (p *Pipeline) record(ctx context.Context, r *run, action string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["attempt"] = r.attempt.Number
	_, err := p.deps.Audit.Record(ctx, audit.Event{
		Action:  action,
		RunID:   r.attempt.RunID,
		AgentID: r.attempt.Input.AgentID,
		Detail:  detail,
	})
	if err != nil {
		return xerrors.Classify(err, "写入阶段审计失败")
	}
	return nil
}

// normalizeOutcome 把未知结论按 FAIL 处理，并把风险分限制在 [0,1]。
func normalizeOutcome(outcome workflow.ComplianceOutcome) workflow.ComplianceOutcome {
	switch outcome.Status {
	case workflow.CompliancePass, workflow.ComplianceFail, workflow.ComplianceEscalated:
	default:
		if outcome.Reason == "" {
			outcome.Reason = "unknown compliance status " + strconv.Quote(string(outcome.Status))
		}
		outcome.Status = workflow.ComplianceFail
	}
	switch {
	case math.IsNaN(outcome.RiskScore):
		outcome.Status = workflow.ComplianceFail
		outcome.RiskScore = 1
		if outcome.Reason == "" {
			outcome.Reason = "risk score is not a number"
		}
	case outcome.RiskScore < 0:
		outcome.RiskScore = 0
	case outcome.RiskScore > 1:
		outcome.RiskScore = 1
	}
	return outcome
}
