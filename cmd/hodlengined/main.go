package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"HODL-Engine/internal/api"
	"HODL-Engine/internal/config"
	"HODL-Engine/internal/exchange"
	"HODL-Engine/internal/exchange/market"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/internal/observability/alerting"
	"HODL-Engine/internal/observability/metrics"
	"HODL-Engine/internal/plan"
	"HODL-Engine/internal/relay"
	"HODL-Engine/internal/relay/ethereum"
	"HODL-Engine/internal/scheduler"
	"HODL-Engine/pkg/logger"
)

// main 是 HODL Engine 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("hodlengined 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("HODL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "config.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var accountLedger ledger.Ledger
	switch cfg.Storage.Driver {
	case "memory", "":
		accountLedger = ledger.NewMemoryLedger()
	case "mysql":
		l, err := ledger.NewMySQLLedger(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		accountLedger = l
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = accountLedger.Close()
	}()

	var planStore plan.Store
	switch cfg.Storage.Driver {
	case "memory", "":
		planStore = plan.NewMemoryStore()
	case "mysql":
		store, err := plan.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		planStore = store
	}
	defer func() {
		_ = planStore.Close()
	}()

	converter, err := createConverter(cfg)
	if err != nil {
		return err
	}

	dispatcher, outcomes, closeRelay, err := createRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRelay()

	locks := plan.NewPlanLocks()
	sink := plan.NewFanoutSink(plan.LogSink{})

	registry := plan.NewRegistry(accountLedger, planStore, locks,
		plan.WithRegistrySink(sink),
	)
	engine := plan.NewEngine(accountLedger, planStore, converter, locks,
		plan.WithEngineSink(sink),
		plan.WithEngineRelay(dispatcher),
		plan.WithEngineAlerts(alerting.NewFanout()),
		plan.WithEngineMetrics(metrics.EngineRecorder{}),
	)

	// 跨域结算回执驱动 pending 资金的落账或回退。
	notifier := relay.NewNotifier(outcomes, engine)
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算回执循环退出", slog.Any("error", err))
		}
	}()

	planQueue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := planQueue.Close(); err != nil {
			logger.L().Error("关闭计划队列失败", slog.Any("error", err))
		}
	}()

	sched := scheduler.New(planStore, engine, planQueue, planQueue,
		scheduler.WithPollInterval(time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second),
		scheduler.WithWorkerCount(cfg.Scheduler.Workers),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
	)
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.Any("error", err))
		}
	}()

	go func() {
		if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("指标服务异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, accountLedger, registry, engine)
	logger.L().Info("hodlengined 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("exchange", cfg.Exchange.Provider),
	)
	return server.Start(ctx)
}

func createConverter(cfg *config.Config) (exchange.Converter, error) {
	switch cfg.Exchange.Provider {
	case "", "static":
		return exchange.NewStaticConverter(cfg.Exchange.Rates, cfg.Exchange.FeeBps)
	case "market":
		client, err := market.NewClient(market.Config{
			BaseURL:  cfg.Exchange.Market.BaseURL,
			APIKey:   cfg.Exchange.Market.APIKey,
			Timeout:  time.Duration(cfg.Exchange.Market.TimeoutSeconds) * time.Second,
			CacheTTL: time.Duration(cfg.Exchange.Market.CacheTTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return market.NewConverter(client, cfg.Exchange.FeeBps)
	default:
		return nil, fmt.Errorf("未知的兑换 provider: %s", cfg.Exchange.Provider)
	}
}

// createRelay 返回派发器、回执来源与清理函数。未启用跨域时使用内存
// 实现，便于本地联调。
func createRelay(ctx context.Context, cfg *config.Config) (relay.Dispatcher, relay.OutcomeSource, func(), error) {
	if !cfg.Relay.Enabled {
		memory := relay.NewMemoryRelay()
		return memory, memory, func() {}, nil
	}

	defs, err := relay.LoadDomainDefinitions(cfg.Relay.DomainsFile)
	if err != nil {
		return nil, nil, nil, err
	}
	def, ok := defs.Domains[cfg.Relay.Domain]
	if !ok {
		return nil, nil, nil, fmt.Errorf("执行域 %s 未在 %s 中定义", cfg.Relay.Domain, cfg.Relay.DomainsFile)
	}

	bridge, err := ethereum.NewRelay(ctx, ethereum.Config{
		Domain:         cfg.Relay.Domain,
		RPCURL:         def.RPCURL,
		WSURL:          def.WSURL,
		BridgeContract: def.BridgeContract,
		PrivateKey:     cfg.Relay.PrivateKey,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	go func() {
		if err := bridge.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("桥接事件订阅退出", slog.Any("error", err))
		}
	}()
	return bridge, bridge, bridge.Close, nil
}

func createQueue(cfg *config.Config) (scheduler.Queue, error) {
	switch cfg.Scheduler.Queue.Driver {
	case "", "memory":
		return scheduler.NewMemoryQueue(1024), nil
	case "redis":
		return scheduler.NewRedisQueue(scheduler.RedisQueueConfig{
			Address:  cfg.Scheduler.Queue.Redis.Address,
			Password: cfg.Scheduler.Queue.Redis.Password,
			DB:       cfg.Scheduler.Queue.Redis.DB,
			Queue:    cfg.Scheduler.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:      cfg.Scheduler.Queue.RabbitMQ.URL,
			Queue:    cfg.Scheduler.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Scheduler.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Scheduler.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Scheduler.Queue.Driver)
	}
}
