package plan

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录计划状态。金额列统一使用 DECIMAL(65,0)，
// 以最小单位整数存储，所有算术都在 SQL 内以精确十进制完成。
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
	const schema = `CREATE TABLE IF NOT EXISTS dca_plans (
        id VARCHAR(64) PRIMARY KEY,
        owner VARCHAR(128) NOT NULL,
        from_asset VARCHAR(16) NOT NULL,
        to_asset VARCHAR(16) NOT NULL,
        total_amount DECIMAL(65,0) NOT NULL,
        remaining_amount DECIMAL(65,0) NOT NULL,
        per_interval_amount DECIMAL(65,0) NOT NULL,
        pending_amount DECIMAL(65,0) NOT NULL DEFAULT 0,
        interval_seconds BIGINT NOT NULL,
        start_time BIGINT NOT NULL,
        last_execution_time BIGINT NULL,
        status VARCHAR(32) NOT NULL,
        dest_domain VARCHAR(64) DEFAULT '',
        dest_recipient VARCHAR(255) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_plan_owner (owner),
        INDEX idx_plan_status (status),
        INDEX idx_plan_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 dca_plans 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE dca_plans ADD COLUMN pending_amount DECIMAL(65,0) NOT NULL DEFAULT 0 AFTER per_interval_amount`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 dca_plans.pending_amount 失败")
		}
	}
	return nil
}

// Create 插入新的计划记录。
func (s *MySQLStore) Create(ctx context.Context, p *Plan) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan 不能为空")
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划 ID 不能为空")
	}

	now := time.Now().Unix()
	p.CreatedAt = now
	p.UpdatedAt = now

	domain, recipient := "", ""
	if p.Destination != nil {
		domain = p.Destination.Domain
		recipient = p.Destination.Recipient
	}

	const stmt = `INSERT INTO dca_plans
        (id, owner, from_asset, to_asset, total_amount, remaining_amount, per_interval_amount, pending_amount,
        interval_seconds, start_time, last_execution_time, status, dest_domain, dest_recipient, created_at, updated_at)
        VALUES (?, ?, ?, ?, CAST(? AS DECIMAL(65,0)), CAST(? AS DECIMAL(65,0)), CAST(? AS DECIMAL(65,0)), 0, ?, ?, NULL, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		p.ID,
		p.Owner,
		string(p.FromAsset),
		string(p.ToAsset),
		p.TotalAmount.String(),
		p.RemainingAmount.String(),
		p.AmountPerInterval.String(),
		p.IntervalSeconds,
		p.StartTime,
		string(p.Status),
		domain,
		recipient,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrPlanConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入计划失败")
	}
	return nil
}

const planColumns = `id, owner, from_asset, to_asset,
        CAST(total_amount AS CHAR), CAST(remaining_amount AS CHAR), CAST(per_interval_amount AS CHAR), CAST(pending_amount AS CHAR),
        interval_seconds, start_time, last_execution_time, status, dest_domain, dest_recipient, created_at, updated_at`

// Get 查询指定计划。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM dca_plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		p                Plan
		total, remaining string
		perInterval      string
		pending          string
		last             sql.NullInt64
		fromAsset        string
		toAsset          string
		status           string
		domain           sql.NullString
		recipient        sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&p.Owner,
		&fromAsset,
		&toAsset,
		&total,
		&remaining,
		&perInterval,
		&pending,
		&p.IntervalSeconds,
		&p.StartTime,
		&last,
		&status,
		&domain,
		&recipient,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析计划记录失败")
	}
	p.FromAsset = asset.Asset(fromAsset)
	p.ToAsset = asset.Asset(toAsset)
	p.Status = Status(status)
	var err error
	if p.TotalAmount, err = parseStoredAmount(total); err != nil {
		return nil, err
	}
	if p.RemainingAmount, err = parseStoredAmount(remaining); err != nil {
		return nil, err
	}
	if p.AmountPerInterval, err = parseStoredAmount(perInterval); err != nil {
		return nil, err
	}
	if p.PendingAmount, err = parseStoredAmount(pending); err != nil {
		return nil, err
	}
	if last.Valid {
		v := last.Int64
		p.LastExecutionTime = &v
	}
	if domain.Valid && domain.String != "" {
		p.Destination = &Destination{Domain: domain.String, Recipient: recipient.String}
	}
	return &p, nil
}

func parseStoredAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "解析金额字段失败: "+raw)
	}
	return v, nil
}

// ApplyExecution 通过条件更新原子地完成一期扣减，资格条件全部编码在
// WHERE 子句里。更新未命中时回读记录并重新诊断具体原因。
func (s *MySQLStore) ApplyExecution(ctx context.Context, id string, now int64, trackPending bool) (*Plan, bool, error) {
	const claimStmt = `UPDATE dca_plans SET
        remaining_amount = remaining_amount - per_interval_amount,
        pending_amount = pending_amount + (CASE WHEN ? = 1 THEN per_interval_amount ELSE 0 END),
        last_execution_time = ?,
        updated_at = ?
        WHERE id = ? AND status = ?
        AND remaining_amount >= per_interval_amount
        AND ((last_execution_time IS NULL AND start_time <= ?) OR last_execution_time + interval_seconds <= ?)`

	tracked := 0
	if trackPending {
		tracked = 1
	}

	// 扣减与完成标记必须同生共死，否则中途崩溃会留下一个既不可执行
	// 也永远不会标记完成的计划。
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, claimStmt,
		tracked,
		now,
		time.Now().Unix(),
		id,
		string(StatusActive),
		now,
		now,
	)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新计划执行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		_ = tx.Rollback()
		p, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		if diagErr := Eligible(p, now); diagErr != nil {
			return nil, false, diagErr
		}
		// 条件更新失败但回读合格，说明与并发执行竞争失败。
		return nil, false, ErrPlanConflict
	}

	const completeStmt = `UPDATE dca_plans SET status = ?, updated_at = ?
        WHERE id = ? AND status = ? AND remaining_amount < per_interval_amount`
	res, err = tx.ExecContext(ctx, completeStmt,
		string(StatusCompleted),
		time.Now().Unix(),
		id,
		string(StatusActive),
	)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记计划完成失败")
	}
	completedRows, err := res.RowsAffected()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交执行扣减失败")
	}

	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, completedRows > 0, nil
}

// Cancel 在事务中取消活跃计划，返回取消后的计划与应退回的金额。
func (s *MySQLStore) Cancel(ctx context.Context, id string) (*Plan, *big.Int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT CAST(remaining_amount AS CHAR), status FROM dca_plans WHERE id = ? FOR UPDATE`, id)
	var remainingRaw, statusRaw string
	if err := row.Scan(&remainingRaw, &statusRaw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrPlanNotFound
		}
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划失败")
	}
	if Status(statusRaw) != StatusActive {
		p, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, nil, getErr
		}
		return p, nil, ErrPlanInactive
	}
	refund, err := parseStoredAmount(remainingRaw)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE dca_plans SET status = ?, remaining_amount = 0, updated_at = ? WHERE id = ?`,
		string(StatusCancelled), time.Now().Unix(), id,
	); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消计划失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交取消事务失败")
	}

	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, refund, nil
}

// ResolvePending 在事务中消化一笔在途金额的结算或回退结果。
func (s *MySQLStore) ResolvePending(ctx context.Context, id string, amount *big.Int, refund bool) (*Plan, bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "在途金额必须为正数")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT CAST(pending_amount AS CHAR), status FROM dca_plans WHERE id = ? FOR UPDATE`, id)
	var pendingRaw, statusRaw string
	if err := row.Scan(&pendingRaw, &statusRaw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrPlanNotFound
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划失败")
	}
	pending, err := parseStoredAmount(pendingRaw)
	if err != nil {
		return nil, false, err
	}
	if pending.Cmp(amount) < 0 {
		p, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return p, false, ErrPlanConflict
	}

	restored := refund && Status(statusRaw) == StatusActive
	stmt := `UPDATE dca_plans SET pending_amount = pending_amount - CAST(? AS DECIMAL(65,0)), updated_at = ? WHERE id = ?`
	if restored {
		stmt = `UPDATE dca_plans SET pending_amount = pending_amount - CAST(? AS DECIMAL(65,0)),
            remaining_amount = remaining_amount + CAST(? AS DECIMAL(65,0)), updated_at = ? WHERE id = ?`
	}
	args := []any{amount.String(), time.Now().Unix(), id}
	if restored {
		args = []any{amount.String(), amount.String(), time.Now().Unix(), id}
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新在途金额失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交在途金额事务失败")
	}

	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, restored, nil
}

// List 返回符合过滤条件的计划。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Plan, error) {
	opts.applyDefaults()

	query := `SELECT ` + planColumns + ` FROM dca_plans`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划列表失败")
	}
	defer rows.Close()

	plans := make([]*Plan, 0, opts.Limit)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历计划失败")
	}
	return plans, nil
}

// Stats 返回符合过滤条件的计划聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (PlanStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS active,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM dca_plans`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusActive), string(StatusCompleted), string(StatusCancelled)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats PlanStats
	if err := row.Scan(
		&stats.Total,
		&stats.Active,
		&stats.Completed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return PlanStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.DueBefore > 0 {
		conditions = append(conditions, `status = ? AND remaining_amount >= per_interval_amount
            AND ((last_execution_time IS NULL AND start_time <= ?) OR last_execution_time + interval_seconds <= ?)`)
		args = append(args, string(StatusActive), opts.DueBefore, opts.DueBefore)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
