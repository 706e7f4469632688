// Package budget 实现按日、按月的智能体花费限额准入判断。
//
// 默认模式是“先读后判”：汇总账本中的已确认交易再决定是否放行，
// 不对拟支出金额做任何锁定。同一智能体的两个并发运行可能都看到
// 低于限额的花费并同时通过，从而合计超限。需要更强保证时，
// 通过 WithReserver 启用“预留-确认”模式。
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// Request 描述一次预算准入请求。限额为空表示该维度不受限。
type Request struct {
	AgentID      string
	ProjectID    string
	Amount       decimal.Decimal
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
}

// Gate 读取账本并做出准入判断。
type Gate struct {
	ledger   ledger.Reader
	reserver Reserver
	now      func() time.Time
	logger   *slog.Logger
	daily    *decimal.Decimal
	monthly  *decimal.Decimal
}

// Option 定义 Gate 的可选配置。
type Option func(*Gate)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithReserver 启用原子预留模式。
func WithReserver(r Reserver) Option {
	return func(g *Gate) {
		g.reserver = r
	}
}

// WithDefaultLimits 为未携带限额的请求补充默认限额，nil 表示该维度默认不受限。
func WithDefaultLimits(daily, monthly *decimal.Decimal) Option {
	return func(g *Gate) {
		g.daily = daily
		g.monthly = monthly
	}
}

// NewGate 构造预算网关。
func NewGate(reader ledger.Reader, opts ...Option) *Gate {
	g := &Gate{ledger: reader, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = logger.Named("budget")
	}
	return g
}

// DayWindow 返回 now 所在 UTC 自然日 [00:00:00, 23:59:59.999999999]。
func DayWindow(now time.Time) ledger.TimeRange {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return ledger.TimeRange{Start: start, End: start.Add(24*time.Hour - time.Nanosecond)}
}

// MonthWindow 返回 now 所在 UTC 自然月 [1 日 00:00:00, now]。
func MonthWindow(now time.Time) ledger.TimeRange {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return ledger.TimeRange{Start: start, End: now}
}

// DailySpend 汇总当日已确认花费。
func (g *Gate) DailySpend(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return g.spend(ctx, agentID, DayWindow(g.now()), "daily")
}

// MonthlySpend 汇总当月截至现在的已确认花费。
func (g *Gate) MonthlySpend(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return g.spend(ctx, agentID, MonthWindow(g.now()), "monthly")
}

func (g *Gate) spend(ctx context.Context, agentID string, window ledger.TimeRange, dimension string) (decimal.Decimal, error) {
	if g.ledger == nil {
		return decimal.Zero, xerrors.New(xerrors.CodeInitializationFailure, "预算网关未配置账本")
	}
	txs, err := g.ledger.QueryConfirmedTransactions(ctx, agentID, window)
	if err != nil {
		return decimal.Zero, xerrors.Classify(err, fmt.Sprintf("查询%s花费失败", dimension))
	}
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Status != ledger.StatusConfirmed {
			continue
		}
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			g.logger.Warn("跳过金额格式异常的交易",
				slog.String("transaction_id", tx.ID),
				slog.String("agent_id", agentID),
				slog.String("amount", tx.Amount),
				slog.String("window", dimension),
			)
			continue
		}
		total = total.Add(amount)
	}
	return total, nil
}

// Check 计算当前花费并判断拟支出金额是否可准入。该判断不做预留。
func (g *Gate) Check(ctx context.Context, req Request) (workflow.BudgetCheck, error) {
	req = g.withDefaults(req)
	if err := validate(req); err != nil {
		return workflow.BudgetCheck{}, err
	}
	daily, err := g.DailySpend(ctx, req.AgentID)
	if err != nil {
		return workflow.BudgetCheck{}, err
	}
	monthly, err := g.MonthlySpend(ctx, req.AgentID)
	if err != nil {
		return workflow.BudgetCheck{}, err
	}
	return Evaluate(req, daily, monthly, g.now()), nil
}

func (g *Gate) withDefaults(req Request) Request {
	if req.DailyLimit == nil {
		req.DailyLimit = g.daily
	}
	if req.MonthlyLimit == nil {
		req.MonthlyLimit = g.monthly
	}
	return req
}

// Evaluate 在给定花费上应用限额规则。两个维度都需通过，
// 边界包含等号；违规项按先日后月的顺序列出。
func Evaluate(req Request, dailySpend, monthlySpend decimal.Decimal, at time.Time) workflow.BudgetCheck {
	check := workflow.BudgetCheck{
		AgentID:        req.AgentID,
		ProjectID:      req.ProjectID,
		ProposedAmount: req.Amount,
		CheckedAt:      at.UTC(),
		Violations:     []workflow.Violation{},
	}

	var violation *workflow.Violation
	check.Daily, violation = evaluateWindow(workflow.DailyLimitExceeded, "daily", dailySpend, req.DailyLimit, req.Amount)
	if violation != nil {
		check.Violations = append(check.Violations, *violation)
	}
	check.Monthly, violation = evaluateWindow(workflow.MonthlyLimitExceeded, "monthly", monthlySpend, req.MonthlyLimit, req.Amount)
	if violation != nil {
		check.Violations = append(check.Violations, *violation)
	}
	check.Allowed = len(check.Violations) == 0
	return check
}

func evaluateWindow(kind workflow.ViolationKind, label string, spend decimal.Decimal, limit *decimal.Decimal, amount decimal.Decimal) (workflow.SpendWindow, *workflow.Violation) {
	window := workflow.SpendWindow{
		Spend:         spend,
		ProposedTotal: spend.Add(amount),
		ExceededBy:    decimal.Zero,
		Allowed:       true,
	}
	if limit == nil {
		return window, nil
	}
	limitCopy := *limit
	window.Limit = &limitCopy

	if window.ProposedTotal.LessThanOrEqual(limitCopy) {
		remaining := limitCopy.Sub(window.ProposedTotal)
		window.Remaining = &remaining
		return window, nil
	}

	window.Allowed = false
	window.ExceededBy = window.ProposedTotal.Sub(limitCopy)
	remaining := decimal.Zero
	if spend.LessThan(limitCopy) {
		remaining = limitCopy.Sub(spend)
	}
	window.Remaining = &remaining
	return window, &workflow.Violation{
		Kind: kind,
		Detail: fmt.Sprintf("%s spend %s + amount %s = %s exceeds limit %s by %s",
			label, spend.String(), amount.String(), window.ProposedTotal.String(), limitCopy.String(), window.ExceededBy.String()),
		Limit:      limitCopy,
		Total:      window.ProposedTotal,
		ExceededBy: window.ExceededBy,
	}
}

func validate(req Request) error {
	if req.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if !req.Amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算检查金额必须大于 0")
	}
	return nil
}
