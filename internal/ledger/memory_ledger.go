package ledger

import (
	"context"
	"math/big"
	"sync"

	"HODL-Engine/internal/asset"
)

type balanceKey struct {
	account string
	asset   asset.Asset
}

// MemoryLedger 以内存方式维护余额，主要用于测试与本地运行。
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[balanceKey]*big.Int)}
}

// Deposit 实现 Ledger 接口。
func (l *MemoryLedger) Deposit(_ context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(account, a, amount)
}

// Reserve 实现 Ledger 接口。
func (l *MemoryLedger) Reserve(_ context.Context, account string, a asset.Asset, amount *big.Int) error {
	if err := validateMutation(account, a, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{account: account, asset: a}
	balance, ok := l.balances[key]
	if !ok || balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	return nil
}

// Refund 实现 Ledger 接口。
func (l *MemoryLedger) Refund(_ context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(account, a, amount)
}

// Credit 实现 Ledger 接口。
func (l *MemoryLedger) Credit(_ context.Context, account string, a asset.Asset, amount *big.Int) error {
	return l.credit(account, a, amount)
}

func (l *MemoryLedger) credit(account string, a asset.Asset, amount *big.Int) error {
	if err := validateMutation(account, a, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{account: account, asset: a}
	balance, ok := l.balances[key]
	if !ok {
		balance = new(big.Int)
		l.balances[key] = balance
	}
	balance.Add(balance, amount)
	return nil
}

// BalanceOf 实现 Ledger 接口。
func (l *MemoryLedger) BalanceOf(_ context.Context, account string, a asset.Asset) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance, ok := l.balances[balanceKey{account: account, asset: a}]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

// Close 对内存账本无需操作。
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
