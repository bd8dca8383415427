package ledger

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"

	"HODL-Engine/internal/asset"
)

func TestMemoryLedgerDepositReserveRefund(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, "alice", asset.USDT, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Reserve(ctx, "alice", asset.USDT, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	balance, err := l.BalanceOf(ctx, "alice", asset.USDT)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero free balance after reserve, got %s", balance)
	}

	if err := l.Reserve(ctx, "alice", asset.USDT, big.NewInt(1)); !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := l.Refund(ctx, "alice", asset.USDT, big.NewInt(40_000_000)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	balance, _ = l.BalanceOf(ctx, "alice", asset.USDT)
	if balance.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("expected 40000000 after refund, got %s", balance)
	}
}

func TestMemoryLedgerRejectsBadInput(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, "", asset.USDT, big.NewInt(1)); err == nil {
		t.Fatal("expected error for empty account")
	}
	if err := l.Deposit(ctx, "alice", asset.USDT, big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := l.Deposit(ctx, "alice", asset.USDT, big.NewInt(-5)); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if err := l.Deposit(ctx, "alice", asset.Asset("DOGE"), big.NewInt(1)); err == nil {
		t.Fatal("expected error for unsupported asset")
	}

	balance, err := l.BalanceOf(ctx, "alice", asset.USDT)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("rejected mutations must not change balances, got %s", balance)
	}
}

func TestMemoryLedgerConcurrentReserve(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, "bob", asset.USDC, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, "bob", asset.USDC, big.NewInt(1)); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	count := 0
	for range succeeded {
		count++
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 successful reserves, got %d", count)
	}
	balance, _ := l.BalanceOf(ctx, "bob", asset.USDC)
	if balance.Sign() != 0 {
		t.Fatalf("expected drained balance, got %s", balance)
	}
}
