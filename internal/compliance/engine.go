package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/audit"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// RuleEngine 是基于本地规则的合规网关，每次评估都会写入一条审计记录。
type RuleEngine struct {
	rules    Rules
	recorder Recorder
	logger   *slog.Logger
}

// NewRuleEngine 构造 RuleEngine。
func NewRuleEngine(rules Rules, recorder Recorder) *RuleEngine {
	rules.applyDefaults()
	return &RuleEngine{rules: rules, recorder: recorder, logger: logger.Named("compliance")}
}

// Evaluate 实现 Gate 接口。
func (e *RuleEngine) Evaluate(ctx context.Context, req Request) (workflow.ComplianceOutcome, error) {
	if e.recorder == nil {
		return workflow.ComplianceOutcome{}, xerrors.New(xerrors.CodeInitializationFailure, "合规审计记录器未初始化")
	}
	outcome, findings, err := e.assess(req.ActionContext)
	if err != nil {
		return workflow.ComplianceOutcome{}, err
	}

	event, err := e.recorder.Record(ctx, audit.Event{
		Action:  audit.ActionComplianceEvaluated,
		RunID:   req.RunID,
		AgentID: req.AgentID,
		Detail: map[string]any{
			"status":     string(outcome.Status),
			"risk_score": outcome.RiskScore,
			"reason":     outcome.Reason,
			"findings":   findings,
		},
	})
	if err != nil {
		return workflow.ComplianceOutcome{}, err
	}
	outcome.EventRef = event.ID

	e.logger.Info("合规评估完成",
		slog.String("run_id", req.RunID),
		slog.String("status", string(outcome.Status)),
		slog.Float64("risk_score", outcome.RiskScore),
	)
	return outcome, nil
}

func (e *RuleEngine) assess(action map[string]any) (workflow.ComplianceOutcome, []string, error) {
	amount, err := amountOf(action)
	if err != nil {
		return workflow.ComplianceOutcome{}, nil, err
	}
	recipient := strings.ToLower(strings.TrimSpace(stringOf(action, "recipient")))
	intent := strings.ToLower(stringOf(action, "intent"))

	var findings []string
	risk := e.rules.BaseRisk
	forceFail := false
	forceEscalate := false

	for _, blocked := range e.rules.BlockedRecipients {
		if blocked != "" && blocked == recipient {
			findings = append(findings, "recipient is blocked")
			risk = 1
			forceFail = true
		}
	}
	if e.rules.MaxAmount != nil && amount.GreaterThan(*e.rules.MaxAmount) {
		findings = append(findings, fmt.Sprintf("amount %s exceeds maximum %s", amount, e.rules.MaxAmount))
		risk += 0.85
		forceFail = true
	}
	for _, keyword := range e.rules.HighRiskKeywords {
		if keyword != "" && strings.Contains(intent, keyword) {
			findings = append(findings, fmt.Sprintf("intent mentions %q", keyword))
			risk += e.rules.KeywordRisk
		}
	}
	if e.rules.EscalateAbove != nil && amount.GreaterThan(*e.rules.EscalateAbove) {
		findings = append(findings, fmt.Sprintf("amount %s requires review above %s", amount, e.rules.EscalateAbove))
		risk += 0.3
		forceEscalate = true
	}
	if math.IsNaN(risk) {
		findings = append(findings, "risk score is not a number")
		forceFail = true
	}
	risk = clamp(risk)

	outcome := workflow.ComplianceOutcome{RiskScore: risk}
	switch {
	case forceFail || risk >= e.rules.FailThreshold:
		outcome.Status = workflow.ComplianceFail
	case forceEscalate || risk >= e.rules.EscalateThreshold:
		outcome.Status = workflow.ComplianceEscalated
	default:
		outcome.Status = workflow.CompliancePass
	}
	if len(findings) == 0 {
		outcome.Reason = "no findings"
	} else {
		outcome.Reason = strings.Join(findings, "; ")
	}
	return outcome, findings, nil
}

func amountOf(action map[string]any) (decimal.Decimal, error) {
	switch v := action["amount"].(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "合规评估金额格式错误")
		}
		return amount, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "合规评估缺少金额")
	default:
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("合规评估金额类型不支持: %T", v))
	}
}

func stringOf(action map[string]any, key string) string {
	if v, ok := action[key].(string); ok {
		return v
	}
	return ""
}

// clamp 把风险分限制在 [0,1]，NaN 视为最高风险。
func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var _ Gate = (*RuleEngine)(nil)
