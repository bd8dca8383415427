package ledger

import (
	"context"
	"math/big"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// Ledger 抽象了按用户、按资产记账的自由余额账本。
// 余额只能通过 Deposit/Credit/Refund 增加，通过 Reserve 减少，任何实现都
// 不允许出现负余额。
type Ledger interface {
	// Deposit 向自由余额充值，amount 必须为正。
	Deposit(ctx context.Context, account string, a asset.Asset, amount *big.Int) error
	// Reserve 从自由余额中扣除 amount 进入托管，余额不足时返回
	// ErrInsufficientBalance，并且不产生任何变更。
	Reserve(ctx context.Context, account string, a asset.Asset, amount *big.Int) error
	// Refund 把托管中未执行的金额退回自由余额。
	Refund(ctx context.Context, account string, a asset.Asset, amount *big.Int) error
	// Credit 把执行产出（目标资产）记入自由余额。
	Credit(ctx context.Context, account string, a asset.Asset, amount *big.Int) error
	// BalanceOf 返回指定资产的自由余额，账户不存在时视为 0。
	BalanceOf(ctx context.Context, account string, a asset.Asset) (*big.Int, error)
	Close() error
}

var (
	// ErrInsufficientBalance 表示自由余额不足以完成托管扣款。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
)

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeLedgerValidation    xerrors.Code = "LEDGER_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerValidation, xerrors.Attributes{
		Message:   "ledger validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// validateMutation 统一校验账本写操作的入参。
func validateMutation(account string, a asset.Asset, amount *big.Int) error {
	if account == "" {
		return xerrors.New(CodeLedgerValidation, "账户不能为空")
	}
	if !asset.IsSupported(a) {
		return xerrors.New(CodeLedgerValidation, "不支持的资产: "+string(a))
	}
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeLedgerValidation, "金额必须为正数")
	}
	return nil
}
