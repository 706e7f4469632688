// Package audit 记录只追加的运行审计事件，用于回放与解释一次运行为何停止。
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// 运行生命周期中写入的审计动作。
const (
	ActionWorkflowStarted     = "workflow_started"
	ActionAnalysisDone        = "analysis_done"
	ActionComplianceDone      = "compliance_done"
	ActionTransactionDone     = "transaction_done"
	ActionComplianceAborted   = "compliance_aborted"
	ActionBudgetRejected      = "budget_rejected"
	ActionWorkflowCompleted   = "workflow_completed"
	ActionWorkflowFailed      = "workflow_failed"
	ActionComplianceEvaluated = "compliance_evaluated"
)

const (
	defaultTrailLimit = 100
	maxTrailLimit     = 1000
)

// Event 是一条审计事件。
type Event struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	RunID     string         `json:"run_id"`
	AgentID   string         `json:"agent_identity"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Store 是审计事件的持久化接口。List 返回最近 limit 条事件，按时间先后排列。
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, runID string, limit int) ([]Event, error)
}

// Recorder 负责补全事件字段、写入存储并镜像到审计日志。
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option 定义 Recorder 的可选配置。
type Option func(*Recorder)

// WithLogger 指定审计镜像日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 创建 Recorder。
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record 追加一条事件并返回补全后的副本。
func (r *Recorder) Record(ctx context.Context, event Event) (Event, error) {
	if r == nil || r.store == nil {
		return Event{}, xerrors.New(xerrors.CodeInitializationFailure, "审计存储未初始化")
	}
	if strings.TrimSpace(event.Action) == "" || strings.TrimSpace(event.RunID) == "" {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "审计事件缺少 action 或 run_id")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	event.Detail = cloneDetail(event.Detail)

	if err := r.store.Append(ctx, event); err != nil {
		return Event{}, xerrors.Classify(err, "写入审计事件失败")
	}

	log := r.logger
	if log == nil {
		log = logger.Audit()
	}
	log.LogAttrs(ctx, slog.LevelInfo, event.Action,
		slog.String("event_id", event.ID),
		slog.String("run_id", event.RunID),
		slog.String("agent_identity", event.AgentID),
		slog.Any("detail", event.Detail),
	)
	return event, nil
}

// Trail 返回指定运行的审计轨迹。
func (r *Recorder) Trail(ctx context.Context, runID string, limit int) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审计存储未初始化")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "run_id 不能为空")
	}
	return r.store.List(ctx, runID, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultTrailLimit
	}
	if limit > maxTrailLimit {
		return maxTrailLimit
	}
	return limit
}

func cloneDetail(detail map[string]any) map[string]any {
	if len(detail) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(detail))
	for k, v := range detail {
		cloned[k] = v
	}
	return cloned
}
