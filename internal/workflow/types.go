package workflow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Stage 表示流水线中的一个阶段。
type Stage string

const (
	StageAnalysis    Stage = "analysis"
	StageCompliance  Stage = "compliance"
	StageTransaction Stage = "transaction"
)

// Stages 按执行顺序返回全部阶段。
func Stages() []Stage {
	return []Stage{StageAnalysis, StageCompliance, StageTransaction}
}

// RunStatus 描述一次运行的生命周期状态。
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal 判断状态是否已终结。
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run 记录一次编排调用，只由编排器修改。
type Run struct {
	ID          string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	AgentID     string    `json:"agent_identity"`
	Status      RunStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ContextHit 是附加到流水线输入上的历史记忆，仅供参考。
type ContextHit struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Input 是一次支付工作流的业务请求。
type Input struct {
	ProjectID          string            `json:"project_id"`
	AgentID            string            `json:"agent_id"`
	TaskID             string            `json:"task_id,omitempty"`
	Intent             string            `json:"intent"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Recipient          string            `json:"recipient"`
	DailyLimit         *decimal.Decimal  `json:"daily_limit,omitempty"`
	MonthlyLimit       *decimal.Decimal  `json:"monthly_limit,omitempty"`
	EscalationOverride bool              `json:"escalation_override,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Context            []ContextHit      `json:"-"`
}

// Validate 校验必填字段，失败时返回不可重试的 INVALID_ARGUMENT 错误。
func (in Input) Validate() error {
	switch {
	case strings.TrimSpace(in.ProjectID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "project_id 不能为空")
	case strings.TrimSpace(in.AgentID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	case strings.TrimSpace(in.Intent) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	case strings.TrimSpace(in.Recipient) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "recipient 不能为空")
	case !in.Amount.IsPositive():
		return xerrors.New(xerrors.CodeInvalidArgument, "amount 必须大于 0")
	case in.DailyLimit != nil && in.DailyLimit.IsNegative():
		return xerrors.New(xerrors.CodeInvalidArgument, "daily_limit 不能为负数")
	case in.MonthlyLimit != nil && in.MonthlyLimit.IsNegative():
		return xerrors.New(xerrors.CodeInvalidArgument, "monthly_limit 不能为负数")
	}
	return nil
}

// StageResult 是某个阶段产出的不可变结果。
type StageResult struct {
	Stage      Stage          `json:"stage"`
	Output     map[string]any `json:"output"`
	MemoryRef  string         `json:"memory_ref"`
	ProducedAt time.Time      `json:"produced_at"`
}

// ComplianceStatus 为合规评估结论。
type ComplianceStatus string

const (
	CompliancePass      ComplianceStatus = "PASS"
	ComplianceFail      ComplianceStatus = "FAIL"
	ComplianceEscalated ComplianceStatus = "ESCALATED"
)

// ComplianceOutcome 是合规网关对一次尝试的评估结果。
type ComplianceOutcome struct {
	Status    ComplianceStatus `json:"status"`
	RiskScore float64          `json:"risk_score"`
	Reason    string           `json:"reason,omitempty"`
	EventRef  string           `json:"event_ref"`
}

// ViolationKind 标识被突破的预算维度。
type ViolationKind string

const (
	DailyLimitExceeded   ViolationKind = "daily_limit_exceeded"
	MonthlyLimitExceeded ViolationKind = "monthly_limit_exceeded"
)

// Violation 描述一个被突破的预算维度。
type Violation struct {
	Kind       ViolationKind   `json:"kind"`
	Detail     string          `json:"detail"`
	Limit      decimal.Decimal `json:"limit"`
	Total      decimal.Decimal `json:"proposed_total"`
	ExceededBy decimal.Decimal `json:"exceeded_by"`
}

// SpendWindow 是单一时间窗口上的预算计算结果。Limit 为空表示该维度不受限。
type SpendWindow struct {
	Spend         decimal.Decimal  `json:"spend"`
	Limit         *decimal.Decimal `json:"limit,omitempty"`
	ProposedTotal decimal.Decimal  `json:"proposed_total"`
	Remaining     *decimal.Decimal `json:"remaining,omitempty"`
	ExceededBy    decimal.Decimal  `json:"exceeded_by"`
	Allowed       bool             `json:"allowed"`
}

// BudgetCheck 是某次交易尝试时的预算准入结论，不做持久化。
// Allowed 为真当且仅当 Violations 为空。
type BudgetCheck struct {
	AgentID        string          `json:"agent_id"`
	ProjectID      string          `json:"project_id"`
	ProposedAmount decimal.Decimal `json:"proposed_amount"`
	Daily          SpendWindow     `json:"daily"`
	Monthly        SpendWindow     `json:"monthly"`
	Allowed        bool            `json:"allowed"`
	Violations     []Violation     `json:"violations"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// RunResult 是成功运行返回给调用方的结果。
type RunResult struct {
	Status        RunStatus         `json:"status"`
	RunID         string            `json:"run_id"`
	RequestID     string            `json:"request_id"`
	PaymentStatus string            `json:"payment_status"`
	Attempts      int               `json:"attempts"`
	StageOutputs  []StageResult     `json:"stage_outputs"`
	Compliance    ComplianceOutcome `json:"compliance"`
	Budget        BudgetCheck       `json:"budget"`
}

// ViolationSummaries 把违规列表转换为可写入审计详情的结构。
func ViolationSummaries(violations []Violation) []map[string]string {
	out := make([]map[string]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, map[string]string{
			"kind":           string(v.Kind),
			"detail":         v.Detail,
			"limit":          v.Limit.StringFixed(2),
			"proposed_total": v.Total.StringFixed(2),
			"exceeded_by":    v.ExceededBy.StringFixed(2),
		})
	}
	return out
}
