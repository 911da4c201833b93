package scheduler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/situation"
)

// State 是跨进程重启需要保留的调度器记忆。
type State struct {
	PerformanceMetrics map[string]capability.PerfRecord       `json:"performance_metrics,omitempty"`
	StrategyWeights    map[string]float64                     `json:"strategy_weights,omitempty"`
	LearningPatterns   map[string]reflection.LearningPattern  `json:"learning_patterns,omitempty"`
	Preferences        map[string]any                         `json:"preferences,omitempty"`
	ContextTail        []situation.Snapshot                   `json:"context_tail,omitempty"`
	SavedAt            int64                                  `json:"saved_at"`
}

// StateStore 持久化调度器记忆。
type StateStore interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context) (*State, error)
	Close() error
}

// MemoryStateStore 将状态保存在进程内, 是默认实现。
type MemoryStateStore struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryStateStore 创建内存状态存储。
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Save 实现 StateStore 接口。
func (m *MemoryStateStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stateCopy := state
	m.state = &stateCopy
	return nil
}

// Load 实现 StateStore 接口。无历史状态时返回 nil。
func (m *MemoryStateStore) Load(context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, nil
	}
	stateCopy := *m.state
	return &stateCopy, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStateStore) Close() error { return nil }

// RedisStateStore 将状态序列化为 JSON blob 存入 Redis。
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// RedisStateConfig 描述 Redis 状态存储的连接参数。
type RedisStateConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// NewRedisStateStore 创建 Redis 状态存储。
func NewRedisStateStore(cfg RedisStateConfig) (*RedisStateStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "novapilot:agent:state"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisStateStore{client: client, key: key}, nil
}

// Save 实现 StateStore 接口。
func (r *RedisStateStore) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化调度器状态失败")
	}
	if err := r.client.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入调度器状态失败")
	}
	return nil
}

// Load 实现 StateStore 接口。无历史状态时返回 nil。
func (r *RedisStateStore) Load(ctx context.Context) (*State, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取调度器状态失败")
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调度器状态失败")
	}
	return &state, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStateStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*RedisStateStore)(nil)
)
