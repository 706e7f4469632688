package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	insertEventSQL = `INSERT INTO audit_events (id, action, run_id, agent_identity, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	selectTrailSQL = `SELECT id, action, run_id, agent_identity, detail, created_at
        FROM audit_events WHERE run_id = ? ORDER BY seq DESC LIMIT ?`
)

// MySQLStore 将审计事件写入 audit_events 表，自增 seq 保证写入顺序。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池构造审计存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, event Event) error {
	detail, err := marshalDetail(event.Detail)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计 detail 失败")
	}
	if _, err := s.db.ExecContext(ctx, insertEventSQL,
		event.ID,
		event.Action,
		event.RunID,
		event.AgentID,
		detail,
		event.Timestamp.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计事件失败")
	}
	return nil
}

// List 取最近 limit 条事件后反转为时间正序。
func (s *MySQLStore) List(ctx context.Context, runID string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, selectTrailSQL, runID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计事件失败")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.Action, &event.RunID, &event.AgentID, &detail, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计事件失败")
		}
		if detail.Valid && strings.TrimSpace(detail.String) != "" {
			if err := json.Unmarshal([]byte(detail.String), &event.Detail); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计 detail 失败")
			}
		}
		event.Timestamp = time.UnixMilli(createdAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计事件失败")
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func marshalDetail(detail map[string]any) (sql.NullString, error) {
	if len(detail) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var _ Store = (*MySQLStore)(nil)
