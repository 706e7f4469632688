// Package orchestrator 驱动一次支付运行的完整生命周期：生成运行 ID、加载历史上下文、
// 在有限次数内重试流水线，并为开始、成功与失败写入审计事件。
//
// 是否重试只看错误码的 Retryable 属性：合规中止、预算拒绝与参数错误在第一次
// 失败后立即返回，瞬时错误在耗尽尝试次数后返回最后一次错误。
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/audit"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/memory"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/pipeline"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// Runner 执行一次完整的流水线尝试。
type Runner interface {
	Run(ctx context.Context, attempt pipeline.Attempt) (pipeline.Outcome, error)
}

// AuditLog 写入并读取运行审计事件。
type AuditLog interface {
	Record(ctx context.Context, event audit.Event) (audit.Event, error)
	Trail(ctx context.Context, runID string, limit int) ([]audit.Event, error)
}

// RunObserver 接收运行结束时的统计信息。
type RunObserver interface {
	ObserveRun(status workflow.RunStatus, attempts int, code xerrors.Code)
}

// Orchestrator 是调用方唯一的入口，调用方不会直接使用流水线或预算网关。
type Orchestrator struct {
	runner   Runner
	memory   memory.Store
	audit    AuditLog
	cfg      Config
	alerts   alerting.Dispatcher
	observer RunObserver
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithAlerts 注册告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithRunObserver 注册运行统计观察者。
func WithRunObserver(observer RunObserver) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithSleep 替换重试间隔的等待实现。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器。memory 可以为空，此时不加载上下文。
func New(runner Runner, store memory.Store, auditLog AuditLog, cfg Config, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置流水线")
	}
	if auditLog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置审计记录器")
	}
	o := &Orchestrator{
		runner: runner,
		memory: store,
		audit:  auditLog,
		cfg:    cfg.withDefaults(),
		sleep:  sleepContext,
		now:    time.Now,
		logger: logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// ExecuteOption 调整单次 Execute 的行为。
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	retry       bool
	loadContext bool
}

// WithoutRetry 让运行只尝试一次。
func WithoutRetry() ExecuteOption {
	return func(o *executeOptions) { o.retry = false }
}

// WithoutContext 跳过历史记忆加载。
func WithoutContext() ExecuteOption {
	return func(o *executeOptions) { o.loadContext = false }
}

// Execute 执行一次支付运行。成功时返回带支付请求 ID 的结果；失败时返回
// *workflow.RunError，其中包裹最后一次错误，可用 errors.As 取出合规或预算详情。
// 参数校验失败时原样返回校验错误，不生成运行记录。
func (o *Orchestrator) Execute(ctx context.Context, input workflow.Input, opts ...ExecuteOption) (*workflow.RunResult, error) {
	if o == nil || o.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	options := executeOptions{retry: true, loadContext: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	// 初始化运行记录。
	run := &workflow.Run{
		ID:        uuid.NewString(),
		ProjectID: input.ProjectID,
		AgentID:   input.AgentID,
		Status:    workflow.RunPending,
		StartedAt: o.now().UTC(),
	}
	log := logger.ForRun(o.logger, run.ID, run.AgentID)
	maxAttempts := o.cfg.MaxRetries
	if !options.retry {
		maxAttempts = 1
	}

	// 加载历史上下文，失败时按空上下文继续。
	input.Context = nil
	if options.loadContext {
		input.Context = o.loadContext(ctx, input, log)
	}

	if err := o.record(ctx, run, audit.ActionWorkflowStarted, map[string]any{
		"project_id":    input.ProjectID,
		"task_id":       input.TaskID,
		"intent":        input.Intent,
		"amount":        input.Amount.String(),
		"currency":      input.Currency,
		"max_attempts":  maxAttempts,
		"context_hits":  len(input.Context),
		"load_context":  options.loadContext,
		"retry_enabled": options.retry,
	}); err != nil {
		run.Status = workflow.RunFailed
		log.Error("写入运行开始审计失败，终止运行", slog.Any("error", err))
		o.observe(run, xerrors.CodeOf(err))
		return nil, &workflow.RunError{RunID: run.ID, Attempts: 0, Err: err}
	}
	run.Status = workflow.RunRunning
	log.Info("运行开始", slog.String("project_id", run.ProjectID), slog.Int("max_attempts", maxAttempts))

	// 执行流水线，按错误码决定是否重试。
	var (
		outcome pipeline.Outcome
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		run.Attempts = attempt
		outcome, lastErr = o.runner.Run(ctx, pipeline.Attempt{
			RunID:   run.ID,
			Number:  attempt,
			Input:   input,
			Started: run.StartedAt,
		})
		if lastErr == nil || attempt == maxAttempts || !o.retryable(ctx, lastErr) {
			break
		}
		log.Warn("流水线执行失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error_code", string(xerrors.CodeOf(lastErr))),
			slog.Any("error", lastErr),
		)
		if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
			lastErr = xerrors.Classify(err, "等待重试时运行被取消")
			break
		}
	}
	run.CompletedAt = o.now().UTC()

	if lastErr != nil {
		return nil, o.fail(ctx, run, input, maxAttempts, lastErr, log)
	}

	run.Status = workflow.RunCompleted
	if err := o.record(context.WithoutCancel(ctx), run, audit.ActionWorkflowCompleted, map[string]any{
		"attempts":       run.Attempts,
		"request_id":     outcome.RequestID,
		"payment_status": outcome.PaymentStatus,
		"duration_ms":    run.CompletedAt.Sub(run.StartedAt).Milliseconds(),
	}); err != nil {
		log.Error("写入运行完成审计失败", slog.String("request_id", outcome.RequestID), slog.Any("error", err))
	}
	o.observe(run, "")
	log.Info("运行完成", slog.Int("attempts", run.Attempts), slog.String("request_id", outcome.RequestID))

	return &workflow.RunResult{
		Status:        run.Status,
		RunID:         run.ID,
		RequestID:     outcome.RequestID,
		PaymentStatus: outcome.PaymentStatus,
		Attempts:      run.Attempts,
		StageOutputs:  outcome.StageOutputs,
		Compliance:    outcome.Compliance,
		Budget:        outcome.Budget,
	}, nil
}

// AuditTrail 返回指定运行的审计事件，按时间先后排列。
func (o *Orchestrator) AuditTrail(ctx context.Context, runID string, limit int) ([]audit.Event, error) {
	if o == nil || o.audit == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	return o.audit.Trail(ctx, runID, limit)
}

// retryable 判断失败是否值得再尝试一次。上游取消时从不重试。
func (o *Orchestrator) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return xerrors.RetryableError(err)
}

func (o *Orchestrator) loadContext(ctx context.Context, input workflow.Input, log *slog.Logger) []workflow.ContextHit {
	if o.memory == nil {
		return nil
	}
	hits, err := o.memory.Search(ctx, memory.Query{
		ProjectID: input.ProjectID,
		Text:      input.Intent,
		Namespace: o.cfg.Namespace,
		TopK:      o.cfg.ContextTopK,
	})
	if err != nil {
		log.Warn("加载历史记忆失败，按空上下文继续", slog.Any("error", err))
		return nil
	}

	filtered := make([]workflow.ContextHit, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity < o.cfg.SimilarityThreshold {
			continue
		}
		filtered = append(filtered, workflow.ContextHit{
			ID:         hit.ID,
			Content:    hit.Content,
			Similarity: hit.Similarity,
			Metadata:   hit.Metadata,
		})
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Similarity > filtered[j].Similarity })
	log.Debug("历史记忆已加载", slog.Int("hits", len(hits)), slog.Int("kept", len(filtered)))
	return filtered
}

func (o *Orchestrator) record(ctx context.Context, run *workflow.Run, action string, detail map[string]any) error {
	_, err := o.audit.Record(ctx, audit.Event{
		Action:  action,
		RunID:   run.ID,
		AgentID: run.AgentID,
		Detail:  detail,
	})
	return err
}

func (o *Orchestrator) observe(run *workflow.Run, code xerrors.Code) {
	if o.observer != nil {
		o.observer.ObserveRun(run.Status, run.Attempts, code)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
