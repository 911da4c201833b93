package goal

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "NovaPilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录目标与任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const goalSchema = `CREATE TABLE IF NOT EXISTS goals (
        id VARCHAR(64) PRIMARY KEY,
        description TEXT NOT NULL,
        priority VARCHAR(16) NOT NULL,
        status VARCHAR(32) NOT NULL,
        category VARCHAR(64) DEFAULT '',
        capabilities TEXT,
        metadata TEXT,
        archived TINYINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_goal_status (status),
        INDEX idx_goal_archived (archived),
        INDEX idx_goal_updated (updated_at)
)`
	const taskSchema = `CREATE TABLE IF NOT EXISTS goal_tasks (
        id VARCHAR(64) PRIMARY KEY,
        goal_id VARCHAR(64) NOT NULL,
        seq INT NOT NULL DEFAULT 0,
        type VARCHAR(64) NOT NULL,
        description TEXT NOT NULL,
        priority VARCHAR(16) NOT NULL,
        status VARCHAR(32) NOT NULL,
        depends_on TEXT,
        estimated_ms BIGINT NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        result TEXT,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_goal (goal_id),
        INDEX idx_task_status (status)
)`

	if _, err := s.db.Exec(goalSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 goals 表失败")
	}
	if _, err := s.db.Exec(taskSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 goal_tasks 表失败")
	}
	return nil
}

// Create 插入目标及其任务。
func (s *MySQLStore) Create(ctx context.Context, g *Goal) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	if strings.TrimSpace(g.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标 ID 不能为空")
	}

	now := time.Now().Unix()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	capabilitiesValue, err := marshalStrings(g.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码目标能力列表失败")
	}
	metadataValue, err := marshalJSON(g.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码目标 metadata 失败")
	}

	const goalStmt = `INSERT INTO goals
        (id, description, priority, status, category, capabilities, metadata, archived, created_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, goalStmt,
		g.ID, g.Description, g.Priority, g.Status, g.Category,
		capabilitiesValue, metadataValue, g.CreatedAt, g.UpdatedAt, g.CompletedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrGoalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入目标失败")
	}

	if err := insertTasks(ctx, tx, g); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func insertTasks(ctx context.Context, tx *sql.Tx, g *Goal) error {
	const taskStmt = `INSERT INTO goal_tasks
        (id, goal_id, seq, type, description, priority, status, depends_on, estimated_ms, attempts, max_retries, result, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for seq, task := range g.Tasks {
		dependsValue, err := marshalStrings(task.DependsOn)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务依赖失败")
		}
		resultValue, err := marshalJSON(task.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
		}
		if _, err := tx.ExecContext(ctx, taskStmt,
			task.ID, g.ID, seq, task.Type, task.Description, task.Priority, task.Status,
			dependsValue, task.EstimatedMS, task.Attempts, task.MaxRetries,
			resultValue, task.LastError, task.CreatedAt, task.UpdatedAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
		}
	}
	return nil
}

// Get 查询指定目标及其任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Goal, error) {
	return s.getGoal(ctx, id, false)
}

func (s *MySQLStore) getGoal(ctx context.Context, id string, archived bool) (*Goal, error) {
	const stmt = `SELECT id, description, priority, status, category, capabilities, metadata, created_at, updated_at, completed_at
        FROM goals WHERE id = ? AND archived = ?`

	row := s.db.QueryRowContext(ctx, stmt, id, boolToInt(archived))
	g, err := scanGoal(row)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.Tasks = tasks
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (*Goal, error) {
	var g Goal
	var capabilities, metadata sql.NullString
	if err := row.Scan(
		&g.ID, &g.Description, &g.Priority, &g.Status, &g.Category,
		&capabilities, &metadata, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrGoalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标失败")
	}
	var err error
	if g.Capabilities, err = unmarshalStrings(capabilities); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标能力列表失败")
	}
	if g.Metadata, err = unmarshalJSON(metadata); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标 metadata 失败")
	}
	return &g, nil
}

func (s *MySQLStore) loadTasks(ctx context.Context, goalID string) ([]*Task, error) {
	const stmt = `SELECT id, goal_id, type, description, priority, status, depends_on, estimated_ms, attempts, max_retries, result, last_error, created_at, updated_at
        FROM goal_tasks WHERE goal_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, stmt, goalID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, 8)
	for rows.Next() {
		var task Task
		var depends, result sql.NullString
		if err := rows.Scan(
			&task.ID, &task.GoalID, &task.Type, &task.Description, &task.Priority, &task.Status,
			&depends, &task.EstimatedMS, &task.Attempts, &task.MaxRetries,
			&result, &task.LastError, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		if task.DependsOn, err = unmarshalStrings(depends); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务依赖失败")
		}
		if task.Result, err = unmarshalJSON(result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		taskCopy := task
		tasks = append(tasks, &taskCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Save 以事务方式整体覆盖目标与任务记录。
func (s *MySQLStore) Save(ctx context.Context, g *Goal) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	g.UpdatedAt = time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	capabilitiesValue, err := marshalStrings(g.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码目标能力列表失败")
	}
	metadataValue, err := marshalJSON(g.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码目标 metadata 失败")
	}

	const goalStmt = `UPDATE goals SET description = ?, priority = ?, status = ?, category = ?,
        capabilities = ?, metadata = ?, updated_at = ?, completed_at = ? WHERE id = ? AND archived = 0`
	res, err := tx.ExecContext(ctx, goalStmt,
		g.Description, g.Priority, g.Status, g.Category,
		capabilitiesValue, metadataValue, g.UpdatedAt, g.CompletedAt, g.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新目标失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.getGoal(ctx, g.ID, false); getErr != nil {
			return getErr
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM goal_tasks WHERE goal_id = ?`, g.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务记录失败")
	}
	if err := insertTasks(ctx, tx, g); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// List 返回未归档的目标。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Goal, error) {
	return s.listGoals(ctx, opts, false)
}

// ListArchived 返回历史区中的目标。
func (s *MySQLStore) ListArchived(ctx context.Context, opts ListOptions) ([]*Goal, error) {
	return s.listGoals(ctx, opts, true)
}

func (s *MySQLStore) listGoals(ctx context.Context, opts ListOptions, archived bool) ([]*Goal, error) {
	opts.applyDefaults()

	query := `SELECT id, description, priority, status, category, capabilities, metadata, created_at, updated_at, completed_at
        FROM goals WHERE archived = ?`
	args := []any{boolToInt(archived)}

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if opts.UpdatedGTE > 0 {
		query += " AND updated_at >= ?"
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		query += " AND updated_at <= ?"
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		query += " AND (description LIKE ? OR category LIKE ?)"
		args = append(args, pattern, pattern)
	}

	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标列表失败")
	}
	defer rows.Close()

	goals := make([]*Goal, 0, opts.Limit)
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历目标失败")
	}

	for _, g := range goals {
		tasks, err := s.loadTasks(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		g.Tasks = tasks
	}
	return goals, nil
}

// Archive 将目标标记为已归档。
func (s *MySQLStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE goals SET archived = 1, updated_at = ? WHERE id = ? AND archived = 0`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档目标失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrGoalNotFound
	}
	return nil
}

// Stats 返回目标与任务的聚合统计。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const goalStmt = `SELECT
        SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END),
        SUM(CASE WHEN archived = 0 AND status IN (?, ?) THEN 1 ELSE 0 END),
        SUM(CASE WHEN archived = 0 AND status = ? THEN 1 ELSE 0 END),
        SUM(CASE WHEN archived = 0 AND status = ? THEN 1 ELSE 0 END),
        SUM(CASE WHEN archived = 1 THEN 1 ELSE 0 END)
        FROM goals`

	var stats Stats
	var goals, active, completed, failed, archived sql.NullInt64
	row := s.db.QueryRowContext(ctx, goalStmt,
		string(StatusActive), string(StatusInProgress), string(StatusCompleted), string(StatusFailed))
	if err := row.Scan(&goals, &active, &completed, &failed, &archived); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标统计失败")
	}
	stats.Goals = int(goals.Int64)
	stats.ActiveGoals = int(active.Int64)
	stats.CompletedGoals = int(completed.Int64)
	stats.FailedGoals = int(failed.Int64)
	stats.ArchivedGoals = int(archived.Int64)

	const taskStmt = `SELECT
        COUNT(*),
        SUM(CASE WHEN t.status IN (?, ?) THEN 1 ELSE 0 END),
        SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END),
        SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END),
        SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END)
        FROM goal_tasks t JOIN goals g ON g.id = t.goal_id AND g.archived = 0`

	var tasks, pending, executing, done, taskFailed sql.NullInt64
	row = s.db.QueryRowContext(ctx, taskStmt,
		string(TaskPending), string(TaskRetrying), string(TaskExecuting), string(TaskCompleted), string(TaskFailed))
	if err := row.Scan(&tasks, &pending, &executing, &done, &taskFailed); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.Tasks = int(tasks.Int64)
	stats.PendingTasks = int(pending.Int64)
	stats.ExecutingTasks = int(executing.Int64)
	stats.CompletedTasks = int(done.Int64)
	stats.FailedTasks = int(taskFailed.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func marshalJSON(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
