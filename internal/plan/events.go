package plan

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"HODL-Engine/internal/asset"
	"HODL-Engine/pkg/logger"
)

// EventType 标识计划生命周期事件。
type EventType string

const (
	EventPlanCreated           EventType = "plan_created"
	EventPlanExecuted          EventType = "plan_executed"
	EventPlanCompleted         EventType = "plan_completed"
	EventPlanCancelled         EventType = "plan_cancelled"
	EventPlanExecutionReverted EventType = "plan_execution_reverted"
)

// Event 描述一次计划状态变更。金额以最小单位十进制字符串表示。
type Event struct {
	Type         EventType   `json:"type"`
	PlanID       string      `json:"plan_id"`
	Owner        string      `json:"owner"`
	FromAsset    asset.Asset `json:"from_asset,omitempty"`
	ToAsset      asset.Asset `json:"to_asset,omitempty"`
	Amount       string      `json:"amount,omitempty"`
	OutputAmount string      `json:"output_amount,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	OccurredAt   int64       `json:"occurred_at"`
}

// Sink 消费计划事件。实现必须可以被并发调用。
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// FanoutSink 把事件广播给多个下游。
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink 创建 FanoutSink，nil 成员会被忽略。
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanoutSink{sinks: kept}
}

// Publish 实现 Sink 接口。
func (f *FanoutSink) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 把事件写入审计日志。
type LogSink struct{}

// Publish 实现 Sink 接口。
func (LogSink) Publish(_ context.Context, event Event) error {
	logger.Audit().Info(string(event.Type),
		slog.String("plan_id", event.PlanID),
		slog.String("owner", event.Owner),
		slog.String("amount", event.Amount),
		slog.String("output_amount", event.OutputAmount),
		slog.String("reason", event.Reason),
		slog.Int64("occurred_at", event.OccurredAt),
	)
	return nil
}

// CollectorSink 在内存中收集事件，主要用于测试断言。
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

// Publish 实现 Sink 接口。
func (c *CollectorSink) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events 返回已收集事件的副本。
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// CountByType 统计指定类型事件出现的次数。
func (c *CollectorSink) CountByType(t EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.events {
		if e.Type == t {
			count++
		}
	}
	return count
}
