package plan

import (
	"context"
	"math/big"
)

// Store 抽象了计划状态的持久化接口。所有状态迁移方法都以条件更新的
// 方式实现：前置条件不满足时返回对应的领域错误，并且不产生任何变更。
type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	// ApplyExecution 原子地执行一期扣减：remaining -= perInterval、
	// lastExecutionTime = now；trackPending 为真时同时把每期金额计入
	// 在途金额。剩余不足一期时计划转为 completed，第二个返回值指示
	// 本次调用是否触发了该迁移。
	ApplyExecution(ctx context.Context, id string, now int64, trackPending bool) (*Plan, bool, error)
	// Cancel 原子地把活跃计划置为 cancelled 并清零剩余金额，返回取消
	// 后的计划与应退回自由余额的金额。
	Cancel(ctx context.Context, id string) (*Plan, *big.Int, error)
	// ResolvePending 消化一笔在途金额的最终结果。refund 为真表示跨域
	// 转账被回退：计划仍活跃时金额加回 remaining（第二个返回值为
	// true）；计划已终止时只扣减在途金额，余额退回由调用方负责。
	ResolvePending(ctx context.Context, id string, amount *big.Int, refund bool) (*Plan, bool, error)
	List(ctx context.Context, opts ListOptions) ([]*Plan, error)
	Stats(ctx context.Context, opts ListOptions) (PlanStats, error)
	Close() error
}
