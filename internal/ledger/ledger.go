// Package ledger 保存已提交的支付交易，供预算网关统计历史花费。
package ledger

import (
	"context"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 描述交易的记账状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Transaction 是一条账本记录。金额以字符串保存，历史脏数据由读取方决定如何处理。
type Transaction struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id"`
	RequestID string    `json:"request_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Recipient string    `json:"recipient"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TimeRange 是闭区间 [Start, End]。
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains 判断时间点是否落在区间内。
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Reader 查询已确认的交易。
type Reader interface {
	QueryConfirmedTransactions(ctx context.Context, agentID string, window TimeRange) ([]Transaction, error)
}

// Writer 追加交易记录。
type Writer interface {
	Append(ctx context.Context, tx Transaction) error
}

// Store 同时具备读写能力。
type Store interface {
	Reader
	Writer
}

const CodeDuplicateTransaction xerrors.Code = "LEDGER_DUPLICATE_TRANSACTION"

func init() {
	xerrors.Register(CodeDuplicateTransaction, xerrors.Attributes{
		Message:  "ledger transaction already exists",
		Severity: xerrors.SeverityWarning,
	})
}

func validate(tx Transaction) error {
	if tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if tx.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 agent_id 不能为空")
	}
	return nil
}

func errDuplicate(id string) error {
	return xerrors.New(CodeDuplicateTransaction, "交易已存在", xerrors.WithMetadata("transaction_id", id))
}
