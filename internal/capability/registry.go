package capability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "NovaPilot/internal/errors"
	"NovaPilot/pkg/logger"
)

// HealthState 表示能力提供方的健康状态。
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// multiplier 返回健康状态对应的可靠度修正系数。
func (h HealthState) multiplier() float64 {
	switch h {
	case HealthHealthy:
		return 1.0
	case HealthDegraded:
		return 0.7
	case HealthOffline:
		return 0.0
	default:
		return 1.0
	}
}

// PerfRecord 累积单个能力的调用统计。
type PerfRecord struct {
	Invocations   int64         `json:"invocations"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	SuccessRate   float64       `json:"success_rate"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsed      int64         `json:"last_used"`
}

// AvgDuration 返回平均调用耗时。
func (p PerfRecord) AvgDuration() time.Duration {
	if p.Invocations == 0 {
		return 0
	}
	return p.TotalDuration / time.Duration(p.Invocations)
}

// Registry 持有全部已注册的能力提供方、调用统计与健康记录。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	perf      map[string]*PerfRecord
	health    map[string]HealthState
}

// NewRegistry 创建空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		perf:      make(map[string]*PerfRecord),
		health:    make(map[string]HealthState),
	}
}

// Register 注册能力提供方。重名注册会覆盖旧的提供方。
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	desc := p.Describe()
	if desc.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[desc.Name] = p
	if _, ok := r.perf[desc.Name]; !ok {
		r.perf[desc.Name] = &PerfRecord{SuccessRate: 1}
	}
	if _, ok := r.health[desc.Name]; !ok {
		r.health[desc.Name] = HealthHealthy
	}
}

// Get 返回指定名称的能力提供方。
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Describe 返回全部已注册能力的描述，按名称排序。
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.providers))
	for _, p := range r.providers {
		descriptors = append(descriptors, p.Describe())
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// Execute 调用指定能力并记录调用结果。调用失败时返回的 Result 仍然有效，
// 用于上层记录失败详情。
func (r *Registry) Execute(ctx context.Context, name string, req Request) (*Result, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, ErrCapabilityNotFound
	}

	start := time.Now()
	result, err := p.Execute(ctx, req)
	duration := time.Since(start)

	if result == nil {
		result = &Result{Capability: name}
	}
	result.Capability = name
	result.Duration = duration
	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	r.RecordOutcome(name, result.Success, duration)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "能力调用失败: "+name)
	}
	return result, nil
}

// RecordOutcome 以增量方式更新能力的调用统计。
// 成功率按 (rate*(n-1)+outcome)/n 递推, 不保留单次调用历史。
func (r *Registry) RecordOutcome(name string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.perf[name]
	if !ok {
		record = &PerfRecord{SuccessRate: 1}
		r.perf[name] = record
	}
	record.Invocations++
	outcome := 0.0
	if success {
		record.Successes++
		outcome = 1.0
	} else {
		record.Failures++
	}
	record.SuccessRate = (record.SuccessRate*float64(record.Invocations-1) + outcome) / float64(record.Invocations)
	record.TotalDuration += duration
	record.LastUsed = time.Now().Unix()
}

// Performance 返回指定能力的统计副本。
func (r *Registry) Performance(name string) (PerfRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.perf[name]
	if !ok {
		return PerfRecord{}, false
	}
	return *record, true
}

// PerformanceSnapshot 返回全部能力统计的副本, 供状态持久化使用。
func (r *Registry) PerformanceSnapshot() map[string]PerfRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]PerfRecord, len(r.perf))
	for name, record := range r.perf {
		snapshot[name] = *record
	}
	return snapshot
}

// RestorePerformance 以快照覆盖调用统计, 用于进程重启后的状态恢复。
func (r *Registry) RestorePerformance(snapshot map[string]PerfRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, record := range snapshot {
		recordCopy := record
		r.perf[name] = &recordCopy
	}
}

// SetHealth 更新能力的健康状态。
func (r *Registry) SetHealth(name string, state HealthState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.health[name]; ok {
		r.health[name] = state
	}
}

// Health 返回能力的健康状态。
func (r *Registry) Health(name string) HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.health[name]
	if !ok {
		return HealthOffline
	}
	return state
}

// Reliability 返回叠加了健康度修正与历史成功率的综合可靠度。
func (r *Registry) Reliability(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return 0
	}
	base := p.Describe().Reliability
	if base <= 0 || base > 1 {
		base = 0.5
	}
	state := r.health[name]
	reliability := base * state.multiplier()
	if record, ok := r.perf[name]; ok && record.Invocations > 0 {
		reliability = (reliability + record.SuccessRate) / 2
	}
	return reliability
}

// CheckAll 逐个探测提供方健康状态并更新记录。探测失败的能力降为 offline。
func (r *Registry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := p.CheckHealth(ctx); err != nil {
			r.SetHealth(name, HealthOffline)
			logger.L().Warn("能力健康检查失败",
				slog.String("capability", name),
				slog.Any("error", err),
			)
			continue
		}
		r.SetHealth(name, HealthHealthy)
	}
}
