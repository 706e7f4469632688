// Package compliance 在任何资金动作之前评估风险并给出 PASS/FAIL/ESCALATED 结论。
package compliance

import (
	"context"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/workflow"
)

// Request 是一次合规评估的输入，ActionContext 通常是分析阶段的输出。
type Request struct {
	AgentID       string
	RunID         string
	ActionContext map[string]any
}

// Gate 是流水线依赖的合规网关。
type Gate interface {
	Evaluate(ctx context.Context, req Request) (workflow.ComplianceOutcome, error)
}

// Recorder 写入不可变的合规审计记录。
type Recorder interface {
	Record(ctx context.Context, event audit.Event) (audit.Event, error)
}
