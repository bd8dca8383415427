package plan

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/exchange"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/internal/observability/alerting"
	"HODL-Engine/internal/relay"
	"HODL-Engine/pkg/logger"
)

// Execution 是一次成功执行的结果。
type Execution struct {
	Plan         *Plan
	OutputAmount *big.Int
	DispatchID   string
	Completed    bool
}

// MetricsRecorder 接收引擎的执行计数。
type MetricsRecorder interface {
	RecordExecution(crossDomain bool)
	RecordCompletion()
	RecordRevert()
}

// Engine 负责计划的周期执行与跨域结果的补偿处理。每期执行先在存储层
// 通过条件更新完成扣减，产出交付期间金额计入在途，交付确认后在途清
// 零，交付失败则把金额退回计划或所有者。
type Engine struct {
	ledger    ledger.Ledger
	store     Store
	converter exchange.Converter
	relay     relay.Dispatcher
	locks     *PlanLocks
	sink      Sink
	alerter   alerting.Dispatcher
	metrics   MetricsRecorder
	clock     func() int64
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithEngineSink 指定事件下游。
func WithEngineSink(sink Sink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithEngineRelay 配置跨域派发通道。未配置时跨域计划执行会失败。
func WithEngineRelay(dispatcher relay.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.relay = dispatcher
	}
}

// WithEngineAlerts 配置告警派发器。
func WithEngineAlerts(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithEngineMetrics 配置执行计数接收器。
func WithEngineMetrics(recorder MetricsRecorder) EngineOption {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// WithEngineClock 替换时间源，主要用于测试。
func WithEngineClock(clock func() int64) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine 构造 Engine。locks 必须与 Registry 共享同一实例。
func NewEngine(l ledger.Ledger, store Store, converter exchange.Converter, locks *PlanLocks, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger:    l,
		store:     store,
		converter: converter,
		locks:     locks,
		clock:     func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.locks == nil {
		e.locks = NewPlanLocks()
	}
	return e
}

// ExecutePlan 执行计划的一期。不满足资格条件时返回对应错误且不产生
// 任何状态变更，调度器可以安全地重复调用。
func (e *Engine) ExecutePlan(ctx context.Context, id string) (*Execution, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	now := e.clock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Eligible(p, now); err != nil {
		return nil, err
	}

	// 兑换失败必须发生在任何状态变更之前。
	output, err := e.converter.Convert(ctx, p.FromAsset, p.ToAsset, p.AmountPerInterval)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "兑换报价失败")
	}

	sourceAmount := cloneAmount(p.AmountPerInterval)
	updated, completedNow, err := e.store.ApplyExecution(ctx, id, now, true)
	if err != nil {
		return nil, err
	}

	var dispatchID string
	if updated.CrossDomain() {
		dispatchID, err = e.dispatch(ctx, updated, output, sourceAmount)
	} else {
		updated, err = e.creditLocal(ctx, updated, output, sourceAmount)
	}
	if err != nil {
		return nil, err
	}

	execution := &Execution{
		Plan:         updated,
		OutputAmount: output,
		DispatchID:   dispatchID,
		Completed:    completedNow,
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(updated.CrossDomain())
	}

	e.emit(ctx, Event{
		Type:         EventPlanExecuted,
		PlanID:       updated.ID,
		Owner:        updated.Owner,
		FromAsset:    updated.FromAsset,
		ToAsset:      updated.ToAsset,
		Amount:       sourceAmount.String(),
		OutputAmount: output.String(),
		OccurredAt:   now,
	})
	if completedNow {
		if e.metrics != nil {
			e.metrics.RecordCompletion()
		}
		e.emit(ctx, Event{
			Type:       EventPlanCompleted,
			PlanID:     updated.ID,
			Owner:      updated.Owner,
			FromAsset:  updated.FromAsset,
			ToAsset:    updated.ToAsset,
			Amount:     updated.ExecutedAmount().String(),
			OccurredAt: now,
		})
	}
	return execution, nil
}

// creditLocal 把产出记入所有者自由余额并清掉对应在途金额，返回清理
// 后的计划快照。
func (e *Engine) creditLocal(ctx context.Context, p *Plan, output, sourceAmount *big.Int) (*Plan, error) {
	if err := e.ledger.Credit(ctx, p.Owner, p.ToAsset, output); err != nil {
		e.compensate(ctx, p, sourceAmount, "本域入账失败: "+err.Error())
		return nil, xerrors.Wrap(CodeTransferFailed, err, "产出入账失败")
	}
	resolved, _, err := e.store.ResolvePending(ctx, p.ID, sourceAmount, false)
	if err != nil {
		logger.L().Error("清理在途金额失败",
			slog.Any("error", err),
			slog.String("plan_id", p.ID),
		)
		return nil, err
	}
	return resolved, nil
}

// dispatch 把产出交给跨域通道。同步拒绝时当场补偿并返回错误，被接受
// 的派发由结果通知决定最终归宿。
func (e *Engine) dispatch(ctx context.Context, p *Plan, output, sourceAmount *big.Int) (string, error) {
	if e.relay == nil {
		e.compensate(ctx, p, sourceAmount, "未配置跨域通道")
		return "", xerrors.New(CodeTransferFailed, "未配置跨域通道")
	}
	receipt, err := e.relay.Dispatch(ctx, relay.Transfer{
		PlanID:       p.ID,
		Domain:       p.Destination.Domain,
		Recipient:    p.Destination.Recipient,
		Asset:        p.ToAsset,
		Amount:       output,
		SourceAmount: sourceAmount,
	})
	if err != nil {
		e.compensate(ctx, p, sourceAmount, "跨域派发被拒绝: "+err.Error())
		return "", xerrors.Wrap(CodeTransferFailed, err, "跨域派发失败")
	}
	return receipt.DispatchID, nil
}

// HandleRelayOutcome 消化跨域转账的最终结果。成功只需清掉在途金额，
// 失败则把源资产金额退回计划，计划已终止时退回所有者自由余额。
func (e *Engine) HandleRelayOutcome(ctx context.Context, outcome relay.Outcome) error {
	unlock := e.locks.Lock(outcome.PlanID)
	defer unlock()

	if outcome.Success {
		if _, _, err := e.store.ResolvePending(ctx, outcome.PlanID, outcome.SourceAmount, false); err != nil {
			logger.L().Error("结算在途金额失败",
				slog.Any("error", err),
				slog.String("plan_id", outcome.PlanID),
				slog.String("dispatch_id", outcome.DispatchID),
			)
			return err
		}
		logger.Audit().Info("跨域转账结算完成",
			slog.String("plan_id", outcome.PlanID),
			slog.String("dispatch_id", outcome.DispatchID),
			slog.String("amount", amountString(outcome.SourceAmount)),
		)
		return nil
	}

	p, restored, err := e.store.ResolvePending(ctx, outcome.PlanID, outcome.SourceAmount, true)
	if err != nil {
		logger.L().Error("回退在途金额失败",
			slog.Any("error", err),
			slog.String("plan_id", outcome.PlanID),
			slog.String("dispatch_id", outcome.DispatchID),
		)
		return err
	}
	if !restored {
		if refundErr := e.ledger.Refund(ctx, p.Owner, p.FromAsset, outcome.SourceAmount); refundErr != nil {
			e.alert(ctx, p, CodePlanCompensate, refundErr)
			return xerrors.Wrap(CodePlanCompensate, refundErr, "回退退款失败")
		}
	}
	if e.metrics != nil {
		e.metrics.RecordRevert()
	}
	e.emit(ctx, Event{
		Type:       EventPlanExecutionReverted,
		PlanID:     p.ID,
		Owner:      p.Owner,
		FromAsset:  p.FromAsset,
		ToAsset:    p.ToAsset,
		Amount:     amountString(outcome.SourceAmount),
		Reason:     outcome.Reason,
		OccurredAt: e.clock(),
	})
	e.alert(ctx, p, CodeTransferFailed, xerrors.New(CodeTransferFailed, outcome.Reason))
	return nil
}

// compensate 在产出交付失败后把本期源资产金额还给计划或所有者。
func (e *Engine) compensate(ctx context.Context, p *Plan, sourceAmount *big.Int, reason string) {
	_, restored, err := e.store.ResolvePending(ctx, p.ID, sourceAmount, true)
	if err != nil {
		logger.L().Error("执行补偿失败",
			slog.Any("error", err),
			slog.String("plan_id", p.ID),
			slog.String("amount", sourceAmount.String()),
		)
		e.alert(ctx, p, CodePlanCompensate, err)
		return
	}
	if !restored {
		if refundErr := e.ledger.Refund(ctx, p.Owner, p.FromAsset, sourceAmount); refundErr != nil {
			logger.L().Error("补偿退款失败",
				slog.Any("error", refundErr),
				slog.String("plan_id", p.ID),
				slog.String("amount", sourceAmount.String()),
			)
			e.alert(ctx, p, CodePlanCompensate, refundErr)
			return
		}
	}
	if e.metrics != nil {
		e.metrics.RecordRevert()
	}
	e.emit(ctx, Event{
		Type:       EventPlanExecutionReverted,
		PlanID:     p.ID,
		Owner:      p.Owner,
		FromAsset:  p.FromAsset,
		ToAsset:    p.ToAsset,
		Amount:     sourceAmount.String(),
		Reason:     reason,
		OccurredAt: e.clock(),
	})
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		logger.L().Warn("计划事件发布失败",
			slog.Any("error", err),
			slog.String("plan_id", event.PlanID),
			slog.String("type", string(event.Type)),
		)
	}
}

func (e *Engine) alert(ctx context.Context, p *Plan, code xerrors.Code, cause error) {
	if e.alerter == nil || p == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		PlanID:     p.ID,
		Account:    p.Owner,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("plan_id", p.ID),
		)
	}
}

var _ relay.OutcomeHandler = (*Engine)(nil)
