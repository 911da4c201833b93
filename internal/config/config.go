package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 NovaPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Intake       IntakeConfig       `yaml:"intake"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Logging      LoggingConfig      `yaml:"logging"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问密钥。
type ServerConfig struct {
	Address string   `yaml:"address"`
	APIKeys []string `yaml:"api_keys"`
}

// StorageConfig 统一描述目标存储与状态快照存储的连接信息。
type StorageConfig struct {
	GoalStore GoalStoreConfig `yaml:"goal_store"`
	StateSnap StateSnapConfig `yaml:"state_snapshot"`
}

// GoalStoreConfig 支持内存实现与 MySQL 实现。
type GoalStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StateSnapConfig 描述每个周期落盘的智能体状态快照存储。
type StateSnapConfig struct {
	Driver   string `yaml:"driver"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// IntakeConfig 描述目标提交队列的驱动与连接参数。
type IntakeConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisQueueConf `yaml:"redis"`
	RabbitMQ RabbitMQConf   `yaml:"rabbitmq"`
}

// RedisQueueConf 是 Redis 队列的连接参数。
type RedisQueueConf struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQConf 是 RabbitMQ 队列的连接参数。
type RabbitMQConf struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// SchedulerConfig 控制调度循环的节奏与并发上限。
type SchedulerConfig struct {
	TickIntervalSeconds   int `yaml:"tick_interval_seconds"`
	MaxConcurrentTasks    int `yaml:"max_concurrent_tasks"`
	MaxTaskRetries        int `yaml:"max_task_retries"`
	ReflectionEveryNTicks int `yaml:"reflection_every_n_ticks"`
	CallTimeoutSeconds    int `yaml:"call_timeout_seconds"`
}

// TickInterval 返回调度周期。
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// CallTimeout 返回单次能力调用的超时时间。
func (c SchedulerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CapabilitiesConfig 描述内置能力提供方的配置。
type CapabilitiesConfig struct {
	KnowledgeSource     string      `yaml:"knowledge_source"`
	KnowledgeMaxResults int         `yaml:"knowledge_max_results"`
	Chain               ChainConfig `yaml:"chain"`
	Reasoning           ReasonConf  `yaml:"reasoning"`
	// ProviderPlugins 指向外部能力插件的宿主配置文件, 为空则不加载插件。
	ProviderPlugins string `yaml:"provider_plugins"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
type ChainConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPCURL  string `yaml:"rpc_url"`
}

// ReasonConf 配置通过 HTTP 调用的文本推理能力。
type ReasonConf struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回推理调用的超时时间。
func (c ReasonConf) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
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

	if c.Storage.GoalStore.Driver == "" {
		c.Storage.GoalStore.Driver = "memory"
	}
	if c.Storage.StateSnap.Driver == "" {
		c.Storage.StateSnap.Driver = "memory"
	}
	if c.Storage.StateSnap.Key == "" {
		c.Storage.StateSnap.Key = "novapilot:agent:state"
	}

	if c.Intake.Driver == "" {
		c.Intake.Driver = "memory"
	}

	if c.Scheduler.TickIntervalSeconds <= 0 {
		c.Scheduler.TickIntervalSeconds = 5
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = 3
	}
	if c.Scheduler.MaxTaskRetries <= 0 {
		c.Scheduler.MaxTaskRetries = 3
	}
	if c.Scheduler.ReflectionEveryNTicks <= 0 {
		c.Scheduler.ReflectionEveryNTicks = 12
	}
	if c.Scheduler.CallTimeoutSeconds <= 0 {
		c.Scheduler.CallTimeoutSeconds = 30
	}

	if c.Capabilities.KnowledgeMaxResults <= 0 {
		c.Capabilities.KnowledgeMaxResults = 3
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
