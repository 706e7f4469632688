// Package pipeline 实现分析、合规、交易三个阶段的顺序状态机。
//
// 状态只能依次推进：ANALYSIS → COMPLIANCE → TRANSACTION → DONE，
// ABORTED 只能从 COMPLIANCE 进入。每个阶段写入一条记忆与一条审计事件；
// 阶段内部的错误统一包装为 *workflow.StageError 交给编排器决定是否重试。
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/compliance"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/memory"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// State 是状态机所处的位置。
type State string

const (
	StateAnalysis    State = "ANALYSIS"
	StateCompliance  State = "COMPLIANCE"
	StateTransaction State = "TRANSACTION"
	StateDone        State = "DONE"
	StateAborted     State = "ABORTED"
)

// BudgetAuthorizer 是交易阶段使用的预算准入能力。
type BudgetAuthorizer interface {
	Authorize(ctx context.Context, req budget.Request) (workflow.BudgetCheck, budget.Hold, error)
}

// AuditRecorder 写入运行审计事件。
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) (audit.Event, error)
}

// Observer 接收阶段耗时与策略结论，通常由指标模块实现。
type Observer interface {
	ObserveStage(stage workflow.Stage, elapsed time.Duration, err error)
	ObserveCompliance(status workflow.ComplianceStatus)
	ObserveBudgetRejection(kind workflow.ViolationKind)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(workflow.Stage, time.Duration, error) {}
func (nopObserver) ObserveCompliance(workflow.ComplianceStatus)       {}
func (nopObserver) ObserveBudgetRejection(workflow.ViolationKind)     {}

// Dependencies 汇总流水线的协作方，全部由组装根显式注入。
type Dependencies struct {
	Analyzer   Analyzer
	Compliance compliance.Gate
	Budget     BudgetAuthorizer
	Payment    payment.Gate
	Signer     payment.Signer
	Memory     memory.Store
	Audit      AuditRecorder
}

// Attempt 是一次完整的流水线执行。
type Attempt struct {
	RunID   string
	Number  int
	Input   workflow.Input
	Started time.Time
}

// Outcome 是流水线成功时的产出，附带授权该笔支付的合规与预算证据。
type Outcome struct {
	RequestID     string
	PaymentStatus string
	StageOutputs  []workflow.StageResult
	Compliance    workflow.ComplianceOutcome
	Budget        workflow.BudgetCheck
}

// Pipeline 是三阶段状态机。单次执行严格顺序，不同运行之间可以并发调用。
type Pipeline struct {
	deps         Dependencies
	namespace    string
	stageTimeout time.Duration
	observer     Observer
	now          func() time.Time
	logger       *slog.Logger
}

// Option 定义流水线的可选配置。
type Option func(*Pipeline)

// WithNamespace 指定写入记忆时使用的命名空间。
func WithNamespace(namespace string) Option {
	return func(p *Pipeline) {
		if namespace != "" {
			p.namespace = namespace
		}
	}
}

// WithStageTimeout 为每个阶段的协作方调用设置超时，超时按可重试错误处理。
func WithStageTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.stageTimeout = timeout
		}
	}
}

// WithObserver 注册阶段观察者。
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 创建流水线，缺少任一必需协作方时返回 INITIALIZATION_FAILURE。
func New(deps Dependencies, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置分析器")
	case deps.Compliance == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合规网关")
	case deps.Budget == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置预算网关")
	case deps.Payment == nil || deps.Signer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置支付网关或签名器")
	case deps.Memory == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置记忆存储")
	case deps.Audit == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置审计记录器")
	}

	p := &Pipeline{
		deps:      deps,
		namespace: memory.DefaultNamespace,
		observer:  nopObserver{},
		now:       time.Now,
		logger:    logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// run 保存单次执行在阶段之间传递的状态。
type run struct {
	attempt    Attempt
	log        *slog.Logger
	analysis   map[string]any
	compliance workflow.ComplianceOutcome
	outcome    Outcome
}

// Run 从分析阶段开始完整执行一次流水线，不会从中间阶段恢复。
func (p *Pipeline) Run(ctx context.Context, attempt Attempt) (Outcome, error) {
	if err := attempt.Input.Validate(); err != nil {
		return Outcome{}, &workflow.StageError{Stage: workflow.StageAnalysis, RunID: attempt.RunID, Err: err}
	}

	r := &run{
		attempt: attempt,
		log:     logger.ForRun(p.logger, attempt.RunID, attempt.Input.AgentID).With(slog.Int("attempt", attempt.Number)),
	}

	state := StateAnalysis
	for {
		var (
			stage workflow.Stage
			next  State
			err   error
		)
		started := p.now()
		switch state {
		case StateAnalysis:
			stage = workflow.StageAnalysis
			next, err = p.analyze(ctx, r)
		case StateCompliance:
			stage = workflow.StageCompliance
			next, err = p.review(ctx, r)
		case StateTransaction:
			stage = workflow.StageTransaction
			next, err = p.transact(ctx, r)
		case StateDone:
			return r.outcome, nil
		default:
			return Outcome{}, xerrors.New(xerrors.CodeUnknown, "流水线状态非法: "+string(state))
		}
		p.observer.ObserveStage(stage, p.now().Sub(started), err)

		if err != nil {
			r.log.Warn("阶段执行失败",
				slog.String("stage", string(stage)),
				slog.String("next_state", string(next)),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
			return Outcome{}, &workflow.StageError{Stage: stage, RunID: attempt.RunID, Err: err}
		}
		r.log.Debug("阶段完成", slog.String("stage", string(stage)), slog.String("next_state", string(next)))
		state = next
	}
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.stageTimeout)
}
