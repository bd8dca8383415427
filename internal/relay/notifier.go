package relay

import (
	"context"
	"log/slog"

	"HODL-Engine/pkg/logger"
)

// OutcomeSource 提供跨域转账最终结果的通知流。
type OutcomeSource interface {
	Outcomes() <-chan Outcome
}

// Notifier 把通道侧的结果通知转交给补偿处理器。
type Notifier struct {
	source  OutcomeSource
	handler OutcomeHandler
}

// NewNotifier 创建 Notifier。
func NewNotifier(source OutcomeSource, handler OutcomeHandler) *Notifier {
	return &Notifier{source: source, handler: handler}
}

// Run 消费结果通知，阻塞直到 ctx 取消。处理失败只记录日志，下一条
// 通知不受影响。
func (n *Notifier) Run(ctx context.Context) error {
	if n == nil || n.source == nil || n.handler == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case outcome, ok := <-n.source.Outcomes():
			if !ok {
				return nil
			}
			if err := n.handler.HandleRelayOutcome(ctx, outcome); err != nil {
				logger.L().Error("处理跨域结果通知失败",
					slog.Any("error", err),
					slog.String("plan_id", outcome.PlanID),
					slog.String("dispatch_id", outcome.DispatchID),
				)
			}
		}
	}
}
