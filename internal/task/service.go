package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

const defaultMaxRetries = 3

// SubmitRequest 是异步提交一次支付工作流的请求。ID 为空时自动生成；
// 相同 ID 的重复提交返回已有任务，不会再次入队。
type SubmitRequest struct {
	ID    string         `json:"id,omitempty"`
	Input workflow.Input `json:"input"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	logger     *slog.Logger
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithMaxRetries 设置新任务的最大执行次数。
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("task")
	}
	return s
}

// Submit 校验输入、保存任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if err := req.Input.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "任务输入校验失败")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else if existing, err := s.store.Get(ctx, taskID); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	input := cloneInput(req.Input)
	input.TaskID = taskID
	task := &Task{
		ID:         taskID,
		ProjectID:  input.ProjectID,
		AgentID:    input.AgentID,
		Input:      input,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			return s.store.Get(ctx, taskID)
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		s.logger.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		failure := Failure{Code: CodeTaskPublish, Message: wrapped.Error(), Terminal: true}
		if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), taskID, failure); markErr != nil {
			s.logger.Error("回写入队失败状态出错", slog.Any("error", markErr), slog.String("task_id", taskID))
		}
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("agent_id", task.AgentID),
		slog.String("recipient", input.Recipient),
		slog.String("amount", input.Amount.String()),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Wait 按 interval 轮询，直到任务成功或终止失败。
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储与生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
