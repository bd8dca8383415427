package scheduler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"HODL-Engine/internal/plan"
)

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingExecutor) ExecutePlan(_ context.Context, id string) (*plan.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return &plan.Execution{}, nil
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func duePlan(t *testing.T, store *plan.MemoryStore, id string) {
	t.Helper()
	p := &plan.Plan{
		ID:                id,
		Owner:             "alice",
		FromAsset:         "USDT",
		ToAsset:           "USDC",
		TotalAmount:       big.NewInt(100),
		RemainingAmount:   big.NewInt(100),
		AmountPerInterval: big.NewInt(10),
		IntervalSeconds:   60,
		StartTime:         1,
		Status:            plan.StatusActive,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
}

func TestSchedulerDispatchesDuePlans(t *testing.T) {
	store := plan.NewMemoryStore()
	duePlan(t, store, "p1")
	duePlan(t, store, "p2")

	executor := &recordingExecutor{}
	queue := NewMemoryQueue(16)
	s := New(store, executor, queue, queue,
		WithPollInterval(10*time.Millisecond),
		WithWorkerCount(2),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		ids := executor.executed()
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		if seen["p1"] && seen["p2"] {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("due plans were not executed in time, got %v", ids)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestSchedulerSkipsIneligiblePlans(t *testing.T) {
	store := plan.NewMemoryStore()
	p := &plan.Plan{
		ID:                "future",
		Owner:             "alice",
		FromAsset:         "USDT",
		ToAsset:           "USDC",
		TotalAmount:       big.NewInt(100),
		RemainingAmount:   big.NewInt(100),
		AmountPerInterval: big.NewInt(10),
		IntervalSeconds:   60,
		StartTime:         time.Now().Add(time.Hour).Unix(),
		Status:            plan.StatusActive,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	executor := &recordingExecutor{}
	queue := NewMemoryQueue(16)
	s := New(store, executor, queue, queue, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Start(ctx)

	if ids := executor.executed(); len(ids) != 0 {
		t.Fatalf("future plan must not be dispatched, got %v", ids)
	}
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []string
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, planID string) error {
			mu.Lock()
			got = append(got, planID)
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 deliveries, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "d"); err == nil {
		t.Fatal("expected error publishing to a closed queue")
	}
}
