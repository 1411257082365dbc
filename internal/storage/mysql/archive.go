package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/executor"
)

const schema = `CREATE TABLE IF NOT EXISTS subagent_tasks (
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        spec TEXT NOT NULL,
        status VARCHAR(16) NOT NULL,
        output MEDIUMTEXT NOT NULL,
        error TEXT NOT NULL,
        steps INT NOT NULL DEFAULT 0,
        tokens INT NOT NULL DEFAULT 0,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        started_at BIGINT NULL,
        finished_at BIGINT NULL,
        INDEX idx_session_created (session_id, created_at)
)`

const upsertTaskSQL = `INSERT INTO subagent_tasks
        (id, session_id, spec, status, output, error, steps, tokens, duration_ms, created_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), output = VALUES(output), error = VALUES(error),
        steps = VALUES(steps), tokens = VALUES(tokens), duration_ms = VALUES(duration_ms),
        started_at = VALUES(started_at), finished_at = VALUES(finished_at)`

const taskColumns = `id, session_id, spec, status, output, error, steps, tokens, duration_ms, created_at, started_at, finished_at`

// SQLArchive 将进入终态的子任务写入 subagent_tasks 表。
type SQLArchive struct {
	db *sql.DB
}

// NewSQLArchive 建立连接池并确保数据表存在。
func NewSQLArchive(ctx context.Context, cfg Config) (*SQLArchive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	archive := &SQLArchive{db: db}
	if err := archive.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return archive, nil
}

func (s *SQLArchive) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationError, err, "初始化 subagent_tasks 表失败")
	}
	return nil
}

// Record 实现 executor.Archive。重复写入同一任务时覆盖结果字段。
func (s *SQLArchive) Record(ctx context.Context, task executor.Task) error {
	spec, err := json.Marshal(task.Spec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化子任务参数失败")
	}
	if _, err := s.db.ExecContext(ctx, upsertTaskSQL,
		task.ID,
		task.Spec.SessionID,
		string(spec),
		string(task.Status),
		task.Output,
		task.Error,
		task.StepsExecuted,
		task.TokensUsed,
		task.DurationMs,
		task.CreatedAt.UnixMilli(),
		nullableMillis(task.StartedAt),
		nullableMillis(task.FinishedAt),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入子任务记录失败")
	}
	return nil
}

// Find 实现 executor.Archive。
func (s *SQLArchive) Find(ctx context.Context, taskID string) (executor.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM subagent_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return executor.Task{}, false, nil
	}
	if err != nil {
		return executor.Task{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询子任务 %s 失败", taskID))
	}
	return task, true, nil
}

// ListBySession 按创建时间倒序返回会话最近的子任务记录。
func (s *SQLArchive) ListBySession(ctx context.Context, sessionID string, limit int) ([]executor.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM subagent_tasks
        WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子任务记录失败")
	}
	defer rows.Close()

	var tasks []executor.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析子任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历子任务记录失败")
	}
	return tasks, nil
}

// Ping 检查数据库连接是否可用。
func (s *SQLArchive) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "数据库不可用")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (executor.Task, error) {
	var (
		task       executor.Task
		spec       string
		status     string
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.Spec.SessionID, &spec, &status, &task.Output, &task.Error,
		&task.StepsExecuted, &task.TokensUsed, &task.DurationMs, &createdAt, &startedAt, &finishedAt); err != nil {
		return executor.Task{}, err
	}
	if spec != "" {
		if err := json.Unmarshal([]byte(spec), &task.Spec); err != nil {
			return executor.Task{}, err
		}
	}
	task.Status = executor.Status(status)
	task.CreatedAt = time.UnixMilli(createdAt)
	task.StartedAt = fromMillis(startedAt)
	task.FinishedAt = fromMillis(finishedAt)
	return task, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

var _ executor.Archive = (*SQLArchive)(nil)
