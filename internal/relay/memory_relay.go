package relay

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "HODL-Engine/internal/errors"
)

// MemoryRelay 在内存里模拟跨域通道，用于测试与单机部署。派发默认
// 挂起，由测试通过 Confirm 或 Revert 产生最终结果通知。
type MemoryRelay struct {
	mu       sync.Mutex
	pending  map[string]Transfer
	rejectFn func(Transfer) error
	outcomes chan Outcome
}

// NewMemoryRelay 创建 MemoryRelay。
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		pending:  make(map[string]Transfer),
		outcomes: make(chan Outcome, 64),
	}
}

// RejectWith 注册一个同步拒绝钩子，返回非 nil 错误的派发会被当场拒绝。
func (r *MemoryRelay) RejectWith(fn func(Transfer) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectFn = fn
}

// Dispatch 实现 Dispatcher 接口。
func (r *MemoryRelay) Dispatch(_ context.Context, transfer Transfer) (Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if transfer.Recipient == "" || transfer.Domain == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "跨域派发缺少目标域或接收地址")
	}
	if r.rejectFn != nil {
		if err := r.rejectFn(transfer); err != nil {
			return Receipt{}, xerrors.Wrap(CodeDispatchRejected, err, "通道拒绝派发")
		}
	}
	id := uuid.NewString()
	r.pending[id] = transfer
	return Receipt{DispatchID: id, DispatchedAt: time.Now().Unix()}, nil
}

// Confirm 把挂起的派发标记为结算成功并推送结果通知。
func (r *MemoryRelay) Confirm(dispatchID string) bool {
	return r.finish(dispatchID, true, "")
}

// Revert 把挂起的派发标记为失败并推送结果通知。
func (r *MemoryRelay) Revert(dispatchID, reason string) bool {
	return r.finish(dispatchID, false, reason)
}

func (r *MemoryRelay) finish(dispatchID string, success bool, reason string) bool {
	r.mu.Lock()
	transfer, ok := r.pending[dispatchID]
	if ok {
		delete(r.pending, dispatchID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.outcomes <- Outcome{
		PlanID:       transfer.PlanID,
		DispatchID:   dispatchID,
		SourceAmount: new(big.Int).Set(transfer.SourceAmount),
		Success:      success,
		Reason:       reason,
	}
	return true
}

// Outcomes 返回结果通知通道。
func (r *MemoryRelay) Outcomes() <-chan Outcome {
	return r.outcomes
}

// PendingCount 返回尚未结算的派发数。
func (r *MemoryRelay) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

var _ Dispatcher = (*MemoryRelay)(nil)
