package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	insertTransactionSQL = `INSERT INTO ledger_transactions
        (id, agent_id, project_id, run_id, request_id, amount, currency, recipient, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectConfirmedSQL = `SELECT id, agent_id, project_id, run_id, request_id, amount, currency, recipient, status, created_at
        FROM ledger_transactions
        WHERE agent_id = ? AND status = ? AND created_at >= ? AND created_at <= ?
        ORDER BY created_at ASC, id ASC`
)

// MySQLStore 将账本写入 ledger_transactions 表，created_at 以毫秒时间戳保存。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池构造账本存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Append 插入一条交易。
func (s *MySQLStore) Append(ctx context.Context, tx Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertTransactionSQL,
		tx.ID,
		tx.AgentID,
		tx.ProjectID,
		tx.RunID,
		tx.RequestID,
		tx.Amount,
		tx.Currency,
		tx.Recipient,
		string(tx.Status),
		tx.CreatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return errDuplicate(tx.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本失败")
	}
	return nil
}

// QueryConfirmedTransactions 查询区间内的已确认交易。
func (s *MySQLStore) QueryConfirmedTransactions(ctx context.Context, agentID string, window TimeRange) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectConfirmedSQL,
		agentID,
		string(StatusConfirmed),
		window.Start.UnixMilli(),
		window.End.UnixMilli(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本失败")
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		var (
			tx        Transaction
			status    string
			createdAt int64
		)
		if err := rows.Scan(
			&tx.ID,
			&tx.AgentID,
			&tx.ProjectID,
			&tx.RunID,
			&tx.RequestID,
			&tx.Amount,
			&tx.Currency,
			&tx.Recipient,
			&status,
			&createdAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本记录失败")
		}
		tx.Status = Status(status)
		tx.CreatedAt = time.UnixMilli(createdAt).UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本失败")
	}
	return result, nil
}

var _ Store = (*MySQLStore)(nil)
