package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// Executor 是处理器依赖的编排能力，由 *orchestrator.Orchestrator 实现。
type Executor interface {
	Execute(ctx context.Context, input workflow.Input, opts ...orchestrator.ExecuteOption) (*workflow.RunResult, error)
}

var _ Executor = (*orchestrator.Orchestrator)(nil)

// Processor 从队列消费任务 ID，每次投递只执行一次运行，重试次数由任务自身的 MaxRetries 控制。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("task-processor")
	}
	return p
}

// Start 阻塞消费队列，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID，供队列消费者回调。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted),
		stdErrors.Is(err, ErrTaskExhausted), stdErrors.Is(err, ErrTaskConflict):
		p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	default:
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	input := cloneInput(task.Input)
	input.TaskID = task.ID
	result, execErr := p.executor.Execute(ctx, input, orchestrator.WithoutRetry())
	if execErr != nil {
		return p.handleFailure(ctx, task, execErr)
	}

	record := Result{
		RunID:         result.RunID,
		RequestID:     result.RequestID,
		PaymentStatus: result.PaymentStatus,
		RunAttempts:   result.Attempts,
	}
	// 支付已被受理，这里失败只能告警人工核对，重新执行会造成重复支付。
	if err := p.store.MarkSucceeded(context.WithoutCancel(ctx), task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("request_id", record.RequestID))
		task.LastRunID = record.RunID
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "mark_succeeded", "request_id", record.RequestID)
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("run_id", record.RunID),
		slog.String("request_id", record.RequestID),
		slog.String("payment_status", record.PaymentStatus),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr) && ctx.Err() == nil
	exhausted := task.MaxRetries > 0 && task.Attempts >= task.MaxRetries
	terminal := !retryable || exhausted

	var runErr *workflow.RunError
	if stdErrors.As(execErr, &runErr) {
		task.LastRunID = runErr.RunID
	}
	failure := Failure{Code: code, Message: execErr.Error(), RunID: task.LastRunID, Terminal: terminal}
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, failure); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("run_id", task.LastRunID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if !terminal {
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务重新入队失败")
			p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "requeue")
			return wrapped
		}
		p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		return nil
	}
	// 编排器已为单次运行的失败告警，这里只补充任务级次数耗尽的告警。
	if retryable && exhausted {
		p.emitAlert(ctx, task, CodeTaskExhausted, execErr, "exhausted")
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string, kv ...string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	metadata := map[string]string{"stage": stage}
	for i := 0; i+1 < len(kv); i += 2 {
		metadata[kv[i]] = kv[i+1]
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		RunID:       task.LastRunID,
		AgentID:     task.AgentID,
		TaskID:      task.ID,
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  p.now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
