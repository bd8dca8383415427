package plan

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "HODL-Engine/internal/errors"
)

// MemoryStore 以内存方式保存计划状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan 不能为空")
	}
	if p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划 ID 不能为空")
	}
	if _, ok := m.plans[p.ID]; ok {
		return ErrPlanConflict
	}
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.plans[p.ID] = clonePlan(p)
	return nil
}

// Get 返回计划。
func (m *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlan(p), nil
}

// ApplyExecution 在资格判定通过后原子地完成一期扣减。
func (m *MemoryStore) ApplyExecution(_ context.Context, id string, now int64, trackPending bool) (*Plan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, false, ErrPlanNotFound
	}
	if err := Eligible(p, now); err != nil {
		return nil, false, err
	}
	p.RemainingAmount.Sub(p.RemainingAmount, p.AmountPerInterval)
	last := now
	p.LastExecutionTime = &last
	if trackPending {
		if p.PendingAmount == nil {
			p.PendingAmount = new(big.Int)
		}
		p.PendingAmount.Add(p.PendingAmount, p.AmountPerInterval)
	}
	completedNow := false
	if p.RemainingAmount.Cmp(p.AmountPerInterval) < 0 {
		p.Status = StatusCompleted
		completedNow = true
	}
	p.UpdatedAt = time.Now().Unix()
	return clonePlan(p), completedNow, nil
}

// Cancel 将活跃计划置为已取消并清零剩余托管金额。
func (m *MemoryStore) Cancel(_ context.Context, id string) (*Plan, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, nil, ErrPlanNotFound
	}
	if p.Status != StatusActive {
		return clonePlan(p), nil, ErrPlanInactive
	}
	refund := cloneAmount(p.RemainingAmount)
	if refund == nil {
		refund = new(big.Int)
	}
	p.RemainingAmount = new(big.Int)
	p.Status = StatusCancelled
	p.UpdatedAt = time.Now().Unix()
	return clonePlan(p), refund, nil
}

// ResolvePending 消化一笔在途金额的结算或回退结果。
func (m *MemoryStore) ResolvePending(_ context.Context, id string, amount *big.Int, refund bool) (*Plan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "在途金额必须为正数")
	}
	p, ok := m.plans[id]
	if !ok {
		return nil, false, ErrPlanNotFound
	}
	if p.PendingAmount == nil || p.PendingAmount.Cmp(amount) < 0 {
		return clonePlan(p), false, ErrPlanConflict
	}
	p.PendingAmount.Sub(p.PendingAmount, amount)
	restored := false
	if refund && p.Status == StatusActive {
		p.RemainingAmount.Add(p.RemainingAmount, amount)
		restored = true
	}
	p.UpdatedAt = time.Now().Unix()
	return clonePlan(p), restored, nil
}

// List 返回符合过滤条件的计划。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if !matchesListFilters(p, opts) {
			continue
		}
		results = append(results, clonePlan(p))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Plan{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的计划数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (PlanStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := PlanStats{}
	for _, p := range m.plans {
		if !matchesListFilters(p, opts) {
			continue
		}
		stats.Total++
		switch p.Status {
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if p.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = p.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (p.UpdatedAt != 0 && p.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = p.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
