// Package system 提供进程自身的运行时巡检能力。
package system

import (
	"context"
	"runtime"
	"time"

	"NovaPilot/internal/capability"
)

// Provider 汇报进程运行时指标, 供巡检类任务使用。
type Provider struct {
	startedAt time.Time
}

// New 创建系统巡检能力。
func New() *Provider {
	return &Provider{startedAt: time.Now()}
}

// Describe 实现 capability.Provider 接口。
func (p *Provider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        "system_monitor",
		Category:    capability.CategorySystem,
		Description: "采集进程运行时指标与资源占用",
		Complexity:  1,
		Latency:     capability.LatencyFast,
		Reliability: 0.99,
	}
}

// Execute 采集当前运行时快照。
func (p *Provider) Execute(_ context.Context, _ capability.Request) (*capability.Result, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &capability.Result{
		Success: true,
		Output: map[string]any{
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     memStats.HeapAlloc,
			"heap_objects":   memStats.HeapObjects,
			"gc_cycles":      memStats.NumGC,
			"uptime_seconds": int64(time.Since(p.startedAt).Seconds()),
		},
		Confidence: 1,
	}, nil
}

// CheckHealth 实现 capability.Provider 接口。
func (p *Provider) CheckHealth(context.Context) error {
	return nil
}

var _ capability.Provider = (*Provider)(nil)
