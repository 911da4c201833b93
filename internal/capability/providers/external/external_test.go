package external

import (
	"context"
	"testing"

	"NovaPilot/internal/capability"
	"NovaPilot/pkg/plugin"
)

type stubPlugin struct {
	info    plugin.Info
	lastCal plugin.Call
	pingErr error
}

func (s *stubPlugin) Info() plugin.Info               { return s.info }
func (s *stubPlugin) Configure(map[string]any) error  { return nil }
func (s *stubPlugin) Init(*plugin.HostContext) error  { return nil }
func (s *stubPlugin) Ping(context.Context) error      { return s.pingErr }
func (s *stubPlugin) Shutdown(*plugin.HostContext) error { return nil }

func (s *stubPlugin) Invoke(_ context.Context, call plugin.Call) (*plugin.Outcome, error) {
	s.lastCal = call
	return &plugin.Outcome{Success: true, Output: map[string]any{"echo": call.Description}, Confidence: 0.8}, nil
}

func TestDescribeFillsDefaults(t *testing.T) {
	p := Wrap("echo", &stubPlugin{info: plugin.Info{ID: "echo"}})

	desc := p.Describe()
	if desc.Name != "echo" {
		t.Fatalf("名称错误: %s", desc.Name)
	}
	if desc.Category != capability.CategorySystem {
		t.Fatalf("类别应回落到默认值: %s", desc.Category)
	}
	if desc.Complexity != 3 || desc.Latency != capability.LatencyMedium || desc.Reliability != 0.9 {
		t.Fatalf("默认值错误: %+v", desc)
	}
}

func TestDescribeKeepsDeclaredMetadata(t *testing.T) {
	p := Wrap("kb-ext", &stubPlugin{info: plugin.Info{
		ID:          "kb-ext",
		Category:    "knowledge",
		Complexity:  5,
		Latency:     "slow",
		Reliability: 0.7,
	}})

	desc := p.Describe()
	if desc.Category != capability.CategoryKnowledge || desc.Complexity != 5 {
		t.Fatalf("声明的元信息被覆盖: %+v", desc)
	}
	if desc.Latency != capability.LatencySlow || desc.Reliability != 0.7 {
		t.Fatalf("声明的元信息被覆盖: %+v", desc)
	}
}

func TestExecuteRelaysCall(t *testing.T) {
	stub := &stubPlugin{info: plugin.Info{ID: "echo"}}
	p := Wrap("echo", stub)

	result, err := p.Execute(context.Background(), capability.Request{
		GoalID:      "goal-1",
		TaskID:      "task-1",
		TaskType:    "research",
		Description: "survey the topic",
	})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if stub.lastCal.GoalID != "goal-1" || stub.lastCal.TaskType != "research" {
		t.Fatalf("请求未完整转发: %+v", stub.lastCal)
	}
	if !result.Success || result.Capability != "echo" || result.Confidence != 0.8 {
		t.Fatalf("结果换算错误: %+v", result)
	}
	if result.Output["echo"] != "survey the topic" {
		t.Fatalf("输出丢失: %+v", result.Output)
	}
}

func TestRegistryAcceptsWrappedProvider(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(Wrap("echo", &stubPlugin{info: plugin.Info{ID: "echo", Category: "communication"}}))

	result, err := registry.Execute(context.Background(), "echo", capability.Request{Description: "hi"})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("结果内容错误: %+v", result)
	}
}
