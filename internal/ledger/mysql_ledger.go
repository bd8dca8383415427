package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// MySQLLedger 使用 MySQL 持久化余额。金额以 DECIMAL(65,0) 保存最小单位
// 整数，所有扣款都通过条件 UPDATE 实现，保证并发下不会出现负余额。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建一个新的 MySQLLedger。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
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

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS ledger_balances (
        account VARCHAR(128) NOT NULL,
        asset VARCHAR(16) NOT NULL,
        balance DECIMAL(65,0) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (account, asset)
)`

	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 ledger_balances 表失败")
	}
	return nil
}

// Deposit 实现 Ledger 接口。
func (l *MySQLLedger) Deposit(ctx context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(ctx, account, a, amount)
}

// Reserve 实现 Ledger 接口。扣款条件内联在 WHERE 子句中，0 行受影响时
// 再区分账户缺失与余额不足。
func (l *MySQLLedger) Reserve(ctx context.Context, account string, a asset.Asset, amount *big.Int) error {
	if err := validateMutation(account, a, amount); err != nil {
		return err
	}

	const stmt = `UPDATE ledger_balances
        SET balance = balance - CAST(? AS DECIMAL(65,0)), updated_at = ?
        WHERE account = ? AND asset = ? AND balance >= CAST(? AS DECIMAL(65,0))`

	res, err := l.db.ExecContext(ctx, stmt, amount.String(), time.Now().Unix(), account, string(a), amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "账本扣款失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Refund 实现 Ledger 接口。
func (l *MySQLLedger) Refund(ctx context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(ctx, account, a, amount)
}

// Credit 实现 Ledger 接口。
func (l *MySQLLedger) Credit(ctx context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(ctx, account, a, amount)
}

func (l *MySQLLedger) credit(ctx context.Context, account string, a asset.Asset, amount *big.Int) error {
	if err := validateMutation(account, a, amount); err != nil {
		return err
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO ledger_balances (account, asset, balance, created_at, updated_at)
        VALUES (?, ?, CAST(? AS DECIMAL(65,0)), ?, ?)
        ON DUPLICATE KEY UPDATE balance = balance + CAST(? AS DECIMAL(65,0)), updated_at = ?`

	_, err := l.db.ExecContext(ctx, stmt, account, string(a), amount.String(), now, now, amount.String(), now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1264 {
			return xerrors.Wrap(CodeLedgerValidation, err, "金额超出字段范围")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "账本入账失败")
	}
	return nil
}

// BalanceOf 实现 Ledger 接口。
func (l *MySQLLedger) BalanceOf(ctx context.Context, account string, a asset.Asset) (*big.Int, error) {
	const stmt = `SELECT balance FROM ledger_balances WHERE account = ? AND asset = ?`

	var raw string
	if err := l.db.QueryRowContext(ctx, stmt, account, string(a)).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "余额字段无法解析: "+raw)
	}
	return balance, nil
}

// Close 关闭底层数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ Ledger = (*MySQLLedger)(nil)
