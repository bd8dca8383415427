package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/plan"
	"HODL-Engine/pkg/logger"
)

// Executor 定义了调度器所需的执行引擎能力。
type Executor interface {
	ExecutePlan(ctx context.Context, id string) (*plan.Execution, error)
}

// Scheduler 周期性扫描到期计划并投递到队列，同时消费队列驱动执行。
// 扫描与执行解耦，重复投递依赖执行侧的幂等拒绝兜底。
type Scheduler struct {
	store        plan.Store
	producer     Producer
	consumer     Consumer
	executor     Executor
	pollInterval time.Duration
	workerCount  int
	batchSize    int
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithPollInterval 设置扫描间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithBatchSize 设置单轮扫描的计划上限。
func WithBatchSize(size int) Option {
	return func(s *Scheduler) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// New 构造 Scheduler。
func New(store plan.Store, executor Executor, producer Producer, consumer Consumer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		producer:     producer,
		consumer:     consumer,
		executor:     executor,
		pollInterval: 5 * time.Second,
		workerCount:  4,
		batchSize:    200,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动扫描循环与消费协程，阻塞直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil || s.executor == nil || s.producer == nil || s.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}

	go func() {
		if err := s.consumer.Consume(ctx, s.workerCount, s.handle); err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("计划消费循环退出", slog.Any("error", err))
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan 找出当前到期的计划并投递到队列。
func (s *Scheduler) scan(ctx context.Context) {
	due, err := s.store.List(ctx, plan.ListOptions{
		Statuses:  []plan.Status{plan.StatusActive},
		DueBefore: time.Now().Unix(),
		Limit:     s.batchSize,
		Order:     plan.SortByUpdatedAsc,
	})
	if err != nil {
		logger.L().Error("扫描到期计划失败", slog.Any("error", err))
		return
	}
	for _, p := range due {
		if err := s.producer.Publish(ctx, p.ID); err != nil {
			logger.L().Error("投递到期计划失败",
				slog.Any("error", err),
				slog.String("plan_id", p.ID),
			)
			return
		}
	}
	if len(due) > 0 {
		logger.L().Debug("投递到期计划", slog.Int("count", len(due)))
	}
}

// handle 消费一个计划 ID 并触发执行。资格类拒绝是重复投递的正常
// 结果，静默跳过。
func (s *Scheduler) handle(ctx context.Context, planID string) error {
	_, err := s.executor.ExecutePlan(ctx, planID)
	if err == nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, plan.ErrIntervalNotElapsed),
		stdErrors.Is(err, plan.ErrPlanInactive),
		stdErrors.Is(err, plan.ErrPlanNotFound),
		stdErrors.Is(err, plan.ErrPlanConflict):
		return nil
	}
	logger.L().Error("计划执行失败",
		slog.Any("error", err),
		slog.String("plan_id", planID),
		slog.String("error_code", string(xerrors.CodeOf(err))),
	)
	return err
}
