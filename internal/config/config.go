package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了引擎在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Relay     RelayConfig     `json:"relay"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述账本与计划存储后端的连接信息。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SchedulerConfig 控制到期扫描与执行工作协程。
type SchedulerConfig struct {
	Queue               QueueConfig `json:"queue"`
	PollIntervalSeconds int         `json:"poll_interval_seconds"`
	Workers             int         `json:"workers"`
	BatchSize           int         `json:"batch_size"`
}

// QueueConfig 描述计划队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// ExchangeConfig 控制兑换报价的来源。
type ExchangeConfig struct {
	Provider string            `json:"provider"`
	FeeBps   int64             `json:"fee_bps"`
	Rates    map[string]string `json:"rates"`
	Market   MarketConfig      `json:"market"`
}

// MarketConfig 描述行情服务的连接参数。
type MarketConfig struct {
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

// RelayConfig 控制跨域派发通道。
type RelayConfig struct {
	Enabled     bool   `json:"enabled"`
	DomainsFile string `json:"domains_file"`
	Domain      string `json:"domain"`
	PrivateKey  string `json:"private_key"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditPath string `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Scheduler.Queue.Driver == "" {
		c.Scheduler.Queue.Driver = "memory"
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		c.Scheduler.PollIntervalSeconds = 5
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 200
	}

	if c.Exchange.Provider == "" {
		c.Exchange.Provider = "static"
	}
	if c.Exchange.Market.TimeoutSeconds <= 0 {
		c.Exchange.Market.TimeoutSeconds = 10
	}
	if c.Exchange.Market.CacheTTLSeconds <= 0 {
		c.Exchange.Market.CacheTTLSeconds = 30
	}

	if c.Relay.DomainsFile != "" && !filepath.IsAbs(c.Relay.DomainsFile) {
		c.Relay.DomainsFile = filepath.Join(baseDir, c.Relay.DomainsFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
