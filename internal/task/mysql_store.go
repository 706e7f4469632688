package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	taskColumns = `id, project_id, agent_id, input, status, attempts, max_retries, last_error, error_code,
        run_id, request_id, payment_status, run_attempts, created_at, updated_at`

	insertTaskSQL = `INSERT INTO workflow_tasks
        (id, project_id, agent_id, input, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	selectTaskSQL = `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE id = ?`

	claimTaskSQL = `UPDATE workflow_tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

	succeedTaskSQL = `UPDATE workflow_tasks SET status = ?, run_id = ?, request_id = ?, payment_status = ?,
        run_attempts = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`

	failTaskSQL = `UPDATE workflow_tasks SET status = ?, last_error = ?, error_code = ?,
        run_id = IF(? = '', run_id, ?), updated_at = ? WHERE id = ?`

	statsTaskSQL = `SELECT status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
        FROM workflow_tasks`
)

// MySQLStore 把任务状态保存在 workflow_tasks 表中，输入以 JSON 编码存入 input 列。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于共享连接池构造任务存储，表结构由迁移创建。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if err := validateNew(task); err != nil {
		return err
	}
	input, err := json.Marshal(task.Input)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务输入失败")
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, insertTaskSQL,
		task.ID,
		task.ProjectID,
		task.AgentID,
		string(input),
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTaskSQL, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		return nil, ErrTaskNotFound
	}
	return scanTask(rows)
}

// Claim 以条件更新实现原子领取，未命中时读取当前状态判断原因。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, claimTaskSQL,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusFailed:
		return task, ErrTaskExhausted
	case task.Status == StatusPending && task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	res, err := s.db.ExecContext(ctx, succeedTaskSQL,
		string(StatusSucceeded),
		result.RunID,
		result.RequestID,
		result.PaymentStatus,
		result.RunAttempts,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	return requireRow(res)
}

func (s *MySQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	status := StatusPending
	if failure.Terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, failTaskSQL,
		string(status),
		failure.Message,
		string(failure.Code),
		failure.RunID,
		failure.RunID,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	return requireRow(res)
}

func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks`
	where, args := filterClause(opts)
	query += where
	if opts.Order == SortOldestFirst {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	where, args := filterClause(opts)
	rows, err := s.db.QueryContext(ctx, statsTaskSQL+where+" GROUP BY status", args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.add(Status(status), count, oldest, newest)
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接池，由创建方负责。
func (s *MySQLStore) Close() error { return nil }

func scanTask(rows *sql.Rows) (*Task, error) {
	var (
		task          Task
		input         string
		status        string
		lastError     sql.NullString
		runID         string
		requestID     string
		paymentStatus string
		runAttempts   int
	)
	if err := rows.Scan(
		&task.ID,
		&task.ProjectID,
		&task.AgentID,
		&input,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&runID,
		&requestID,
		&paymentStatus,
		&runAttempts,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	if err := json.Unmarshal([]byte(input), &task.Input); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务输入失败")
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	task.LastRunID = runID
	if task.Status == StatusSucceeded {
		task.Result = &Result{RunID: runID, RequestID: requestID, PaymentStatus: paymentStatus, RunAttempts: runAttempts}
	}
	return &task, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func filterClause(opts ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Statuses)), ",")
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if opts.UpdatedAfter > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedAfter)
	}
	if opts.UpdatedBefore > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedBefore)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(input LIKE ? OR request_id LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
