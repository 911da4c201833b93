package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"NovaPilot/internal/agent"
	"NovaPilot/internal/api"
	"NovaPilot/internal/auth"
	"NovaPilot/internal/capability"
	"NovaPilot/internal/capability/providers/chain"
	"NovaPilot/internal/capability/providers/external"
	"NovaPilot/internal/capability/providers/knowledge"
	"NovaPilot/internal/capability/providers/reasoning"
	systemprovider "NovaPilot/internal/capability/providers/system"
	"NovaPilot/internal/config"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/intake"
	"NovaPilot/internal/orchestrator"
	"NovaPilot/internal/planning"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/scheduler"
	"NovaPilot/internal/situation"
	"NovaPilot/pkg/logger"
	"NovaPilot/pkg/plugin"
)

// main 是 NovaPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("novad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("NOVAPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "novapilot.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	goalStore, err := createGoalStore(cfg)
	if err != nil {
		return err
	}
	manager := goal.NewManager(goalStore, goal.WithMaxRetries(cfg.Scheduler.MaxTaskRetries))
	defer manager.Close()

	registry := capability.NewRegistry()
	if err := registerProviders(ctx, registry, cfg); err != nil {
		return err
	}

	pluginHost, err := loadProviderPlugins(ctx, registry, cfg)
	if err != nil {
		return err
	}
	if pluginHost != nil {
		defer func() {
			if err := pluginHost.StopAll(context.Background()); err != nil {
				log.Printf("停止能力插件失败: %v", err)
			}
		}()
	}

	stateStore, err := createStateStore(cfg)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	queue, err := createIntakeQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭接入队列失败: %v", err)
		}
	}()

	tracker := situation.NewTracker(0)
	reflector := reflection.NewEngine()
	planner := planning.NewPlanner(nil, nil)
	executor := orchestrator.NewExecutor(registry, nil, cfg.Scheduler.CallTimeout())

	sched := scheduler.New(manager, planner, registry, executor, tracker, reflector,
		scheduler.Config{
			TickInterval:    cfg.Scheduler.TickInterval(),
			MaxConcurrent:   cfg.Scheduler.MaxConcurrentTasks,
			ReflectionEvery: cfg.Scheduler.ReflectionEveryNTicks,
		},
		scheduler.WithStateStore(stateStore),
		scheduler.WithIntakeConsumer(queue),
	)

	agentOpts := []agent.Option{agent.WithIntakeProducer(queue)}
	ag := agent.New(manager, sched, registry, tracker, reflector, agentOpts...)

	authService, err := createAuthService(cfg)
	if err != nil {
		return err
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go func() {
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度循环异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, ag, api.WithAuth(authService))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createGoalStore 按配置选择目标存储实现。
func createGoalStore(cfg *config.Config) (goal.Store, error) {
	switch cfg.Storage.GoalStore.Driver {
	case "", "memory":
		return goal.NewMemoryStore(), nil
	case "mysql":
		return goal.NewMySQLStore(cfg.Storage.GoalStore.DSN)
	default:
		return nil, fmt.Errorf("未知的目标存储驱动: %s", cfg.Storage.GoalStore.Driver)
	}
}

// createStateStore 按配置选择状态快照存储实现。
func createStateStore(cfg *config.Config) (scheduler.StateStore, error) {
	switch cfg.Storage.StateSnap.Driver {
	case "", "memory":
		return scheduler.NewMemoryStateStore(), nil
	case "redis":
		return scheduler.NewRedisStateStore(scheduler.RedisStateConfig{
			Address:  cfg.Storage.StateSnap.Address,
			Password: cfg.Storage.StateSnap.Password,
			DB:       cfg.Storage.StateSnap.DB,
			Key:      cfg.Storage.StateSnap.Key,
		})
	default:
		return nil, fmt.Errorf("未知的状态存储驱动: %s", cfg.Storage.StateSnap.Driver)
	}
}

// createIntakeQueue 按配置选择目标接入队列实现。
func createIntakeQueue(cfg *config.Config) (intake.Queue, error) {
	switch cfg.Intake.Driver {
	case "", "memory":
		return intake.NewMemoryQueue(1024), nil
	case "redis":
		return intake.NewRedisQueue(intake.RedisQueueConfig{
			Address:   cfg.Intake.Redis.Address,
			Password:  cfg.Intake.Redis.Password,
			DB:        cfg.Intake.Redis.DB,
			Queue:     cfg.Intake.Redis.Queue,
			BlockWait: time.Duration(cfg.Intake.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return intake.NewRabbitMQQueue(intake.RabbitMQConfig{
			URL:        cfg.Intake.RabbitMQ.URL,
			Queue:      cfg.Intake.RabbitMQ.Queue,
			Prefetch:   cfg.Intake.RabbitMQ.Prefetch,
			Durable:    cfg.Intake.RabbitMQ.Durable,
			AutoDelete: cfg.Intake.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的接入队列驱动: %s", cfg.Intake.Driver)
	}
}

// registerProviders 注册启用的能力提供方。
func registerProviders(ctx context.Context, registry *capability.Registry, cfg *config.Config) error {
	registry.Register(systemprovider.New())

	if cfg.Capabilities.KnowledgeSource != "" {
		provider, err := knowledge.Load(cfg.Capabilities.KnowledgeSource, cfg.Capabilities.KnowledgeMaxResults)
		if err != nil {
			return err
		}
		registry.Register(provider)
	}

	if cfg.Capabilities.Chain.Enabled {
		provider, err := chain.New(ctx, cfg.Capabilities.Chain.RPCURL)
		if err != nil {
			return err
		}
		registry.Register(provider)
	}

	if cfg.Capabilities.Reasoning.Enabled {
		apiKey := strings.TrimSpace(cfg.Capabilities.Reasoning.APIKey)
		if apiKey == "" && cfg.Capabilities.Reasoning.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Capabilities.Reasoning.APIKeyEnv))
		}
		if apiKey == "" {
			return errors.New("推理能力需要配置 api_key 或 api_key_env")
		}
		provider, err := reasoning.New(reasoning.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Capabilities.Reasoning.BaseURL,
			Model:   cfg.Capabilities.Reasoning.Model,
			Timeout: cfg.Capabilities.Reasoning.Timeout(),
		})
		if err != nil {
			return err
		}
		registry.Register(provider)
	}
	return nil
}

// loadProviderPlugins 加载外部能力插件并把激活的提供方注册进能力注册表。
func loadProviderPlugins(ctx context.Context, registry *capability.Registry, cfg *config.Config) (*plugin.Host, error) {
	if cfg.Capabilities.ProviderPlugins == "" {
		return nil, nil
	}
	hostCfg, err := plugin.LoadHostConfig(cfg.Capabilities.ProviderPlugins)
	if err != nil {
		return nil, err
	}
	host, err := plugin.NewHost(hostCfg, plugin.WithResource("data_dir", cfg.Runtime.DataDir))
	if err != nil {
		return nil, err
	}
	if err := host.StartAll(ctx); err != nil {
		return nil, err
	}
	for _, provider := range external.FromHost(host) {
		registry.Register(provider)
	}
	return host, nil
}

// createAuthService 将配置的 API key 列表映射为静态认证服务。
func createAuthService(cfg *config.Config) (*auth.Service, error) {
	if len(cfg.Server.APIKeys) == 0 {
		return auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	keys := make([]auth.KeyConfig, 0, len(cfg.Server.APIKeys))
	for i, key := range cfg.Server.APIKeys {
		keys = append(keys, auth.KeyConfig{
			Key:         key,
			Name:        fmt.Sprintf("key-%d", i+1),
			Permissions: []string{"goals:read", "goals:write"},
		})
	}
	return auth.NewService(auth.Config{Mode: auth.ModeStatic, Keys: keys})
}
