package plan

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/pkg/logger"
)

// CreatePlanRequest 描述创建定投计划所需的全部参数。
type CreatePlanRequest struct {
	Owner             string
	FromAsset         string
	ToAsset           string
	TotalAmount       *big.Int
	AmountPerInterval *big.Int
	IntervalSeconds   int64
	StartTime         int64
	Destination       *Destination
}

// Registry 管理计划的创建、查询与取消。托管扣款与计划落库不在同一
// 事务里，落库失败时通过补偿退款回滚扣款。
type Registry struct {
	ledger ledger.Ledger
	store  Store
	locks  *PlanLocks
	sink   Sink
	clock  func() int64
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithRegistrySink 指定事件下游。
func WithRegistrySink(sink Sink) RegistryOption {
	return func(r *Registry) {
		r.sink = sink
	}
}

// WithRegistryClock 替换时间源，主要用于测试。
func WithRegistryClock(clock func() int64) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry 构造 Registry。locks 必须与 Engine 共享同一实例。
func NewRegistry(l ledger.Ledger, store Store, locks *PlanLocks, opts ...RegistryOption) *Registry {
	r := &Registry{
		ledger: l,
		store:  store,
		locks:  locks,
		clock:  func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.locks == nil {
		r.locks = NewPlanLocks()
	}
	return r
}

// CreatePlan 校验参数、托管总金额并落库。任何校验失败都发生在账本
// 扣款之前。
func (r *Registry) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	now := r.clock()
	startTime := req.StartTime
	if startTime == 0 {
		startTime = now
	}

	p := &Plan{
		ID:                uuid.NewString(),
		Owner:             req.Owner,
		FromAsset:         parseAsset(req.FromAsset),
		ToAsset:           parseAsset(req.ToAsset),
		TotalAmount:       cloneAmount(req.TotalAmount),
		RemainingAmount:   cloneAmount(req.TotalAmount),
		AmountPerInterval: cloneAmount(req.AmountPerInterval),
		PendingAmount:     new(big.Int),
		IntervalSeconds:   req.IntervalSeconds,
		StartTime:         startTime,
		Status:            StatusActive,
	}
	if req.Destination != nil && req.Destination.Domain != "" {
		dest := *req.Destination
		p.Destination = &dest
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := r.ledger.Reserve(ctx, p.Owner, p.FromAsset, p.TotalAmount); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, p); err != nil {
		if refundErr := r.ledger.Refund(ctx, p.Owner, p.FromAsset, p.TotalAmount); refundErr != nil {
			logger.L().Error("计划落库失败后的补偿退款失败",
				slog.Any("error", refundErr),
				slog.String("plan_id", p.ID),
				slog.String("owner", p.Owner),
			)
			return nil, xerrors.Wrap(CodePlanCompensate, refundErr, "计划落库失败且补偿退款失败")
		}
		return nil, err
	}

	r.emit(ctx, Event{
		Type:       EventPlanCreated,
		PlanID:     p.ID,
		Owner:      p.Owner,
		FromAsset:  p.FromAsset,
		ToAsset:    p.ToAsset,
		Amount:     p.TotalAmount.String(),
		OccurredAt: now,
	})
	return p, nil
}

// Get 返回指定计划。
func (r *Registry) Get(ctx context.Context, id string) (*Plan, error) {
	return r.store.Get(ctx, id)
}

// Cancel 取消调用方自己的活跃计划，剩余托管金额退回自由余额。
func (r *Registry) Cancel(ctx context.Context, caller, id string) (*Plan, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Owner != caller {
		return nil, ErrNotOwner
	}

	p, refund, err := r.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund != nil && refund.Sign() > 0 {
		if refundErr := r.ledger.Refund(ctx, p.Owner, p.FromAsset, refund); refundErr != nil {
			logger.L().Error("取消计划后的退款失败",
				slog.Any("error", refundErr),
				slog.String("plan_id", p.ID),
				slog.String("owner", p.Owner),
				slog.String("amount", refund.String()),
			)
			return nil, xerrors.Wrap(CodePlanCompensate, refundErr, "取消计划后的退款失败")
		}
	}

	r.emit(ctx, Event{
		Type:       EventPlanCancelled,
		PlanID:     p.ID,
		Owner:      p.Owner,
		FromAsset:  p.FromAsset,
		ToAsset:    p.ToAsset,
		Amount:     amountString(refund),
		OccurredAt: r.clock(),
	})
	return p, nil
}

// List 返回符合过滤条件的计划。
func (r *Registry) List(ctx context.Context, opts ...ListOption) ([]*Plan, error) {
	return r.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的计划聚合信息。
func (r *Registry) Stats(ctx context.Context, opts ...ListOption) (PlanStats, error) {
	return r.store.Stats(ctx, buildListOptions(opts))
}

func (r *Registry) emit(ctx context.Context, event Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		logger.L().Warn("计划事件发布失败",
			slog.Any("error", err),
			slog.String("plan_id", event.PlanID),
			slog.String("type", string(event.Type)),
		)
	}
}

func parseAsset(symbol string) asset.Asset {
	return asset.Asset(strings.ToUpper(strings.TrimSpace(symbol)))
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
