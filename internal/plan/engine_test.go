package plan

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/exchange"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/internal/relay"
)

type engineFixture struct {
	ledger   *ledger.MemoryLedger
	store    *MemoryStore
	registry *Registry
	engine   *Engine
	relay    *relay.MemoryRelay
	sink     *CollectorSink
	now      int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		ledger: ledger.NewMemoryLedger(),
		store:  NewMemoryStore(),
		relay:  relay.NewMemoryRelay(),
		sink:   &CollectorSink{},
		now:    1_000,
	}
	clock := func() int64 { return f.now }
	locks := NewPlanLocks()
	converter, err := exchange.NewStaticConverter(map[string]string{"USDT/USDC": "1"}, 0)
	if err != nil {
		t.Fatalf("converter: %v", err)
	}
	f.registry = NewRegistry(f.ledger, f.store, locks,
		WithRegistrySink(f.sink),
		WithRegistryClock(clock),
	)
	f.engine = NewEngine(f.ledger, f.store, converter, locks,
		WithEngineSink(f.sink),
		WithEngineRelay(f.relay),
		WithEngineClock(clock),
	)
	return f
}

func (f *engineFixture) createPlan(t *testing.T, dest *Destination) *Plan {
	t.Helper()
	ctx := context.Background()
	if err := f.ledger.Deposit(ctx, "alice", asset.USDT, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	req := createRequest(100, 10)
	req.StartTime = 1_000
	req.Destination = dest
	p, err := f.registry.CreatePlan(ctx, req)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func TestEngineExecutesPlanToCompletion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, nil)

	for i := 0; i < 10; i++ {
		f.now = 1_000 + int64(i)*60
		execution, err := f.engine.ExecutePlan(ctx, p.ID)
		if err != nil {
			t.Fatalf("execution %d: %v", i+1, err)
		}
		if execution.OutputAmount.Cmp(big.NewInt(10)) != 0 {
			t.Fatalf("execution %d: expected output 10, got %s", i+1, execution.OutputAmount)
		}
		if i < 9 && execution.Completed {
			t.Fatalf("execution %d completed the plan prematurely", i+1)
		}
		if i == 9 && !execution.Completed {
			t.Fatal("final execution must complete the plan")
		}
	}

	final, err := f.store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed plan, got %s", final.Status)
	}
	if final.RemainingAmount.Sign() != 0 {
		t.Fatalf("expected drained plan, got remaining %s", final.RemainingAmount)
	}

	balance, _ := f.ledger.BalanceOf(ctx, "alice", asset.USDC)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 USDC credited, got %s", balance)
	}
	if got := f.sink.CountByType(EventPlanExecuted); got != 10 {
		t.Fatalf("expected 10 plan_executed events, got %d", got)
	}
	if got := f.sink.CountByType(EventPlanCompleted); got != 1 {
		t.Fatalf("expected exactly one plan_completed event, got %d", got)
	}

	f.now += 3_600
	if _, err := f.engine.ExecutePlan(ctx, p.ID); !stdErrors.Is(err, ErrPlanInactive) {
		t.Fatalf("expected ErrPlanInactive after completion, got %v", err)
	}
	if got := f.sink.CountByType(EventPlanExecuted); got != 10 {
		t.Fatalf("rejected execution must not emit events, got %d", got)
	}
}

func TestEngineLocalExecutionReportsSettledPlan(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, nil)

	execution, err := f.engine.ExecutePlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 本域产出在返回前就已入账，快照里不能残留在途金额。
	if execution.Plan.PendingAmount.Sign() != 0 {
		t.Fatalf("expected settled snapshot, got pending %s", execution.Plan.PendingAmount)
	}
	if execution.Plan.RemainingAmount.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected remaining 90 in snapshot, got %s", execution.Plan.RemainingAmount)
	}

	current, err := f.store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.PendingAmount.Sign() != 0 {
		t.Fatalf("expected pending cleared in store, got %s", current.PendingAmount)
	}
}

func TestEngineRejectsPrematureExecution(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, nil)

	if _, err := f.engine.ExecutePlan(ctx, p.ID); err != nil {
		t.Fatalf("first execution: %v", err)
	}

	// 同一时刻重复调用必须被幂等拒绝，且不产生任何状态变更。
	for i := 0; i < 3; i++ {
		if _, err := f.engine.ExecutePlan(ctx, p.ID); !stdErrors.Is(err, ErrIntervalNotElapsed) {
			t.Fatalf("expected ErrIntervalNotElapsed, got %v", err)
		}
	}

	current, err := f.store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.RemainingAmount.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected remaining 90, got %s", current.RemainingAmount)
	}
	if got := f.sink.CountByType(EventPlanExecuted); got != 1 {
		t.Fatalf("expected a single plan_executed event, got %d", got)
	}
}

func TestEngineCrossDomainRevertRestoresPlan(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, &Destination{Domain: "ethereum", Recipient: "0xabc"})

	execution, err := f.engine.ExecutePlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execution.DispatchID == "" {
		t.Fatal("cross-domain execution must return a dispatch id")
	}

	current, _ := f.store.Get(ctx, p.ID)
	if current.RemainingAmount.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected remaining 90, got %s", current.RemainingAmount)
	}
	if current.PendingAmount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected pending 10, got %s", current.PendingAmount)
	}

	if !f.relay.Revert(execution.DispatchID, "bridge timeout") {
		t.Fatal("revert: dispatch not found")
	}
	outcome := <-f.relay.Outcomes()
	if err := f.engine.HandleRelayOutcome(ctx, outcome); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	current, _ = f.store.Get(ctx, p.ID)
	if current.RemainingAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected remaining restored to 100, got %s", current.RemainingAmount)
	}
	if current.PendingAmount.Sign() != 0 {
		t.Fatalf("expected pending cleared, got %s", current.PendingAmount)
	}
	if got := f.sink.CountByType(EventPlanExecutionReverted); got != 1 {
		t.Fatalf("expected one plan_execution_reverted event, got %d", got)
	}
}

func TestEngineCrossDomainRevertAfterCancelRefundsOwner(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, &Destination{Domain: "ethereum", Recipient: "0xabc"})

	execution, err := f.engine.ExecutePlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := f.registry.Cancel(ctx, "alice", p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// 取消先退回剩余 90，回退再补回在途 10。
	f.relay.Revert(execution.DispatchID, "bridge timeout")
	outcome := <-f.relay.Outcomes()
	if err := f.engine.HandleRelayOutcome(ctx, outcome); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	balance, _ := f.ledger.BalanceOf(ctx, "alice", asset.USDT)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected full 100 back in free balance, got %s", balance)
	}
}

func TestEngineCrossDomainSettlementClearsPending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, &Destination{Domain: "ethereum", Recipient: "0xabc"})

	execution, err := f.engine.ExecutePlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	f.relay.Confirm(execution.DispatchID)
	outcome := <-f.relay.Outcomes()
	if err := f.engine.HandleRelayOutcome(ctx, outcome); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	current, _ := f.store.Get(ctx, p.ID)
	if current.PendingAmount.Sign() != 0 {
		t.Fatalf("expected pending cleared after settlement, got %s", current.PendingAmount)
	}
	if current.RemainingAmount.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("settlement must not restore remaining, got %s", current.RemainingAmount)
	}
}

func TestEngineSyncDispatchRejectionCompensates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, &Destination{Domain: "ethereum", Recipient: "0xabc"})

	f.relay.RejectWith(func(relay.Transfer) error {
		return stdErrors.New("channel saturated")
	})

	_, err := f.engine.ExecutePlan(ctx, p.ID)
	if err == nil {
		t.Fatal("expected dispatch failure")
	}
	if xerrors.CodeOf(err) != CodeTransferFailed {
		t.Fatalf("expected TRANSFER_FAILED, got %s", xerrors.CodeOf(err))
	}

	current, _ := f.store.Get(ctx, p.ID)
	if current.RemainingAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected remaining restored to 100, got %s", current.RemainingAmount)
	}
	if current.PendingAmount.Sign() != 0 {
		t.Fatalf("expected pending cleared, got %s", current.PendingAmount)
	}
	if got := f.sink.CountByType(EventPlanExecutionReverted); got != 1 {
		t.Fatalf("expected one plan_execution_reverted event, got %d", got)
	}
	if got := f.sink.CountByType(EventPlanExecuted); got != 0 {
		t.Fatalf("failed execution must not emit plan_executed, got %d", got)
	}
}
