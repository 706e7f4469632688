// Package task 把支付工作流包装成异步任务：提交后入队，由处理器消费并调用编排器执行。
package task

import (
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/workflow"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存成功运行的关键结果。
type Result struct {
	RunID         string `json:"run_id"`
	RequestID     string `json:"request_id"`
	PaymentStatus string `json:"payment_status"`
	RunAttempts   int    `json:"run_attempts"`
}

// Failure 描述一次失败的执行。Terminal 为真时任务不再重新排队。
type Failure struct {
	Code     xerrors.Code
	Message  string
	RunID    string
	Terminal bool
}

// Task 是一条排队执行的支付工作流。
type Task struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	AgentID    string         `json:"agent_id"`
	Input      workflow.Input `json:"input"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{Message: "task not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{Message: "task conflict", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{Message: "task already finished", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{Message: "task validation failed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "任务不存在")
	// ErrTaskConflict 表示任务在当前状态下无法执行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "任务状态冲突")
	// ErrTaskCompleted 表示任务已经结束（成功或终止失败）。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "任务已结束")
	// ErrTaskExhausted 表示任务的尝试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "任务重试次数已耗尽")
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	clone.Input = cloneInput(task.Input)
	return &clone
}

func cloneInput(in workflow.Input) workflow.Input {
	if in.Metadata != nil {
		metadata := make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		in.Metadata = metadata
	}
	in.Context = nil
	return in
}
