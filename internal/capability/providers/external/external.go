// Package external 将插件宿主加载的外部提供方适配为注册表可用的能力。
package external

import (
	"context"
	"time"

	"NovaPilot/internal/capability"
	"NovaPilot/pkg/plugin"
)

// Provider 包装一个外部插件提供方, 转换请求与结果的表示。
type Provider struct {
	id    string
	inner plugin.Provider
}

// Wrap 以注册 id 包装外部提供方。
func Wrap(id string, p plugin.Provider) *Provider {
	return &Provider{id: id, inner: p}
}

// FromHost 将宿主中所有已激活的提供方包装为能力提供方。
func FromHost(host *plugin.Host) []*Provider {
	handles := host.Active()
	providers := make([]*Provider, 0, len(handles))
	for _, handle := range handles {
		providers = append(providers, Wrap(handle.ID, handle.Provider))
	}
	return providers
}

// Describe 把插件元信息翻译为能力描述, 缺省字段取保守默认值。
func (p *Provider) Describe() capability.Descriptor {
	info := p.inner.Info()

	name := info.ID
	if name == "" {
		name = p.id
	}
	category := capability.Category(info.Category)
	if category == "" {
		category = capability.CategorySystem
	}
	complexity := info.Complexity
	if complexity <= 0 {
		complexity = 3
	}
	latency := capability.LatencyTier(info.Latency)
	switch latency {
	case capability.LatencyFast, capability.LatencyMedium, capability.LatencySlow:
	default:
		latency = capability.LatencyMedium
	}
	reliability := info.Reliability
	if reliability <= 0 {
		reliability = 0.9
	}

	return capability.Descriptor{
		Name:        name,
		Category:    category,
		Description: info.Description,
		Complexity:  complexity,
		Latency:     latency,
		Reliability: reliability,
	}
}

// Execute 把调用转发给插件并换算结果。
func (p *Provider) Execute(ctx context.Context, req capability.Request) (*capability.Result, error) {
	started := time.Now()
	outcome, err := p.inner.Invoke(ctx, plugin.Call{
		GoalID:      req.GoalID,
		TaskID:      req.TaskID,
		TaskType:    req.TaskType,
		Description: req.Description,
		Params:      req.Params,
	})
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		outcome = &plugin.Outcome{}
	}
	return &capability.Result{
		Capability: p.Describe().Name,
		Success:    outcome.Success,
		Output:     outcome.Output,
		Error:      outcome.Error,
		Duration:   time.Since(started),
		Confidence: outcome.Confidence,
		Critical:   outcome.Critical,
	}, nil
}

// CheckHealth 委托给插件自身的探活实现。
func (p *Provider) CheckHealth(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

var _ capability.Provider = (*Provider)(nil)
