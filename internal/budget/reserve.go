package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/workflow"
)

// Reservation 标识一次已预留的金额。
type Reservation struct {
	ID       string
	AgentID  string
	Amount   decimal.Decimal
	DayKey   string
	MonthKey string
}

// ReserveRequest 是一次原子预留的输入。Seed 为账本中的已确认花费，
// 只在计数器尚未建立时使用。
type ReserveRequest struct {
	AgentID      string
	Amount       decimal.Decimal
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
	DailySeed    decimal.Decimal
	MonthlySeed  decimal.Decimal
	Now          time.Time
}

// ReserveResult 返回预留前的计数器取值以及是否放行。
type ReserveResult struct {
	Reservation  Reservation
	Granted      bool
	DailySpend   decimal.Decimal
	MonthlySpend decimal.Decimal
}

// Reserver 以条件自增的方式原子预留额度。未放行时计数器不变；
// Release 回滚一次预留，Confirm 表示下游已记账。两者都是幂等的。
type Reserver interface {
	Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error)
	Release(ctx context.Context, res Reservation) error
	Confirm(ctx context.Context, res Reservation) error
}

// Hold 是交给流水线的预留句柄：支付成功后 Confirm，失败时 Release。
type Hold interface {
	Confirm(ctx context.Context) error
	Release(ctx context.Context) error
}

type noopHold struct{}

func (noopHold) Confirm(context.Context) error { return nil }
func (noopHold) Release(context.Context) error { return nil }

type reservedHold struct {
	reserver    Reserver
	reservation Reservation
}

func (h *reservedHold) Confirm(ctx context.Context) error {
	return h.reserver.Confirm(ctx, h.reservation)
}

func (h *reservedHold) Release(ctx context.Context) error {
	return h.reserver.Release(ctx, h.reservation)
}

// Strict 报告网关是否启用了预留模式。
func (g *Gate) Strict() bool {
	return g.reserver != nil
}

// Authorize 返回准入结论与预留句柄。未启用预留时等价于 Check，
// 句柄为空操作；启用后仅在放行时持有额度。
func (g *Gate) Authorize(ctx context.Context, req Request) (workflow.BudgetCheck, Hold, error) {
	if g.reserver == nil {
		check, err := g.Check(ctx, req)
		return check, noopHold{}, err
	}
	req = g.withDefaults(req)
	if err := validate(req); err != nil {
		return workflow.BudgetCheck{}, nil, err
	}

	daily, err := g.DailySpend(ctx, req.AgentID)
	if err != nil {
		return workflow.BudgetCheck{}, nil, err
	}
	monthly, err := g.MonthlySpend(ctx, req.AgentID)
	if err != nil {
		return workflow.BudgetCheck{}, nil, err
	}

	now := g.now()
	result, err := g.reserver.Reserve(ctx, ReserveRequest{
		AgentID:      req.AgentID,
		Amount:       req.Amount,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		DailySeed:    daily,
		MonthlySeed:  monthly,
		Now:          now,
	})
	if err != nil {
		return workflow.BudgetCheck{}, nil, xerrors.Classify(err, "预留预算额度失败")
	}

	check := Evaluate(req, result.DailySpend, result.MonthlySpend, now)
	if !result.Granted {
		return check, noopHold{}, nil
	}
	if !check.Allowed {
		// 计数器与规则的判断不一致时以规则为准并归还额度
		g.logger.Warn("预留结果与限额规则不一致，释放额度",
			slog.String("agent_id", req.AgentID),
			slog.String("reservation_id", result.Reservation.ID),
		)
		if err := g.reserver.Release(ctx, result.Reservation); err != nil {
			return workflow.BudgetCheck{}, nil, xerrors.Classify(err, "释放预算额度失败")
		}
		return check, noopHold{}, nil
	}
	return check, &reservedHold{reserver: g.reserver, reservation: result.Reservation}, nil
}

func newReservation(agentID string, amount decimal.Decimal, now time.Time) Reservation {
	now = now.UTC()
	return Reservation{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Amount:   amount,
		DayKey:   agentID + ":" + now.Format("2006-01-02"),
		MonthKey: agentID + ":" + now.Format("2006-01"),
	}
}

func withinLimit(spend, amount decimal.Decimal, limit *decimal.Decimal) bool {
	return limit == nil || spend.Add(amount).LessThanOrEqual(*limit)
}
