package orchestrator

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
)

type stubProvider struct {
	desc     capability.Descriptor
	execErr  error
	critical bool
	calls    int32
}

func (s *stubProvider) Describe() capability.Descriptor { return s.desc }

func (s *stubProvider) Execute(context.Context, capability.Request) (*capability.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.execErr != nil {
		return &capability.Result{Success: false, Critical: s.critical}, s.execErr
	}
	return &capability.Result{Success: true, Confidence: 0.8, Critical: s.critical}, nil
}

func (s *stubProvider) CheckHealth(context.Context) error { return nil }

func stub(name string, category capability.Category, complexity int) *stubProvider {
	return &stubProvider{desc: capability.Descriptor{
		Name:        name,
		Category:    category,
		Complexity:  complexity,
		Latency:     capability.LatencyFast,
		Reliability: 0.9,
	}}
}

func TestSelectorFiltersByRelevance(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("kb", capability.CategoryKnowledge, 2))
	registry.Register(stub("tts", capability.CategoryVoice, 2))

	selections := NewSelector(registry).Select(TaskProfile{Type: "research"}, capability.Policy{Level: capability.AutonomyFull})
	for _, selection := range selections {
		if selection.Descriptor.Name == "tts" {
			t.Fatal("voice 能力与 research 任务无关, 不应入选")
		}
	}
	if len(selections) == 0 {
		t.Fatal("knowledge 能力应入选")
	}
}

func TestSelectorHonorsPolicy(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("chain", capability.CategoryChain, 5))

	policy := capability.Policy{Level: capability.AutonomyManual}
	selections := NewSelector(registry).Select(TaskProfile{Type: "monitoring"}, policy)
	for _, selection := range selections {
		if selection.Descriptor.Category == capability.CategoryChain {
			t.Fatal("manual 级别下链上能力不应入选")
		}
	}
}

func TestSelectorComplexityBudget(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("heavy", capability.CategoryReasoning, 14))
	registry.Register(stub("light", capability.CategoryKnowledge, 2))

	selections := NewSelector(registry).Select(TaskProfile{Type: "analysis"}, capability.Policy{Level: capability.AutonomyFull})

	total := 0
	for _, selection := range selections {
		total += selection.Descriptor.Complexity
	}
	if total > complexityBudget {
		t.Fatalf("复杂度预算被突破: %d > %d", total, complexityBudget)
	}
}

func TestSelectorOneCapabilityPerCategory(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("kb_primary", capability.CategoryKnowledge, 2))
	registry.Register(stub("kb_backup", capability.CategoryKnowledge, 2))
	registry.Register(stub("search", capability.CategorySearch, 2))

	selections := NewSelector(registry).Select(TaskProfile{Type: "research"}, capability.Policy{Level: capability.AutonomyFull})

	perCategory := make(map[capability.Category]int)
	for _, selection := range selections {
		perCategory[selection.Descriptor.Category]++
	}
	if perCategory[capability.CategoryKnowledge] > 1 {
		t.Fatalf("同类能力最多入选一个, got %d", perCategory[capability.CategoryKnowledge])
	}
	if perCategory[capability.CategorySearch] != 1 {
		t.Fatal("search 能力应入选")
	}
}

func TestSelectorSystemCategoryExemptFromDiversity(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("probe", capability.CategorySystem, 2))
	registry.Register(stub("metrics", capability.CategorySystem, 2))

	selections := NewSelector(registry).Select(TaskProfile{Type: "monitoring"}, capability.Policy{Level: capability.AutonomyFull})

	system := 0
	for _, selection := range selections {
		if selection.Descriptor.Category == capability.CategorySystem {
			system++
		}
	}
	if system != 2 {
		t.Fatalf("system 类不受多样性约束, 应全部入选, got %d", system)
	}
}

func TestSelectorSkipsOfflineProviders(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("kb", capability.CategoryKnowledge, 2))
	registry.SetHealth("kb", capability.HealthOffline)

	selections := NewSelector(registry).Select(TaskProfile{Type: "research"}, capability.Policy{Level: capability.AutonomyFull})
	if len(selections) != 0 {
		t.Fatalf("离线能力不应入选: %v", selections)
	}
}

func TestBuildChainShapes(t *testing.T) {
	selection := func(name string, category capability.Category, deps ...string) Selection {
		return Selection{Descriptor: capability.Descriptor{Name: name, Category: category, DependsOn: deps}}
	}

	single := BuildChain([]Selection{selection("kb", capability.CategoryKnowledge)})
	if single.Shape != ShapeSequential {
		t.Fatalf("单能力应为 sequential, got %s", single.Shape)
	}

	independent := BuildChain([]Selection{
		selection("kb", capability.CategoryKnowledge),
		selection("search", capability.CategorySearch),
	})
	if independent.Shape != ShapeParallel {
		t.Fatalf("互不依赖应为 parallel, got %s", independent.Shape)
	}

	gated := BuildChain([]Selection{
		selection("tts", capability.CategoryVoice),
		selection("reason", capability.CategoryReasoning),
	})
	if gated.Shape != ShapeConditional {
		t.Fatalf("含门控类别应为 conditional, got %s", gated.Shape)
	}

	layered := BuildChain([]Selection{
		selection("gather", capability.CategorySearch),
		selection("kb", capability.CategoryKnowledge),
		selection("reason", capability.CategoryReasoning, "gather", "kb"),
	})
	if layered.Shape != ShapeHybrid {
		t.Fatalf("分层依赖应为 hybrid, got %s", layered.Shape)
	}
	if len(layered.Groups) != 2 || len(layered.Groups[0]) != 2 {
		t.Fatalf("依赖分组错误: %v", layered.Groups)
	}

	chain := BuildChain([]Selection{
		selection("a", capability.CategorySearch),
		selection("b", capability.CategoryKnowledge, "a"),
		selection("c", capability.CategoryReasoning, "b"),
	})
	if chain.Shape != ShapeSequential {
		t.Fatalf("纯链式依赖应为 sequential, got %s", chain.Shape)
	}

	cyclic := BuildChain([]Selection{
		selection("x", capability.CategorySearch, "y"),
		selection("y", capability.CategoryKnowledge, "x"),
	})
	if cyclic.Shape != ShapeSequential || len(cyclic.Groups) != 2 {
		t.Fatalf("循环依赖应退化为逐个顺序执行: %+v", cyclic)
	}
}

func TestExecutorStopsOnCriticalFailure(t *testing.T) {
	registry := capability.NewRegistry()
	critical := stub("reason", capability.CategoryReasoning, 7)
	critical.execErr = stdErrors.New("model unavailable")
	critical.critical = true
	registry.Register(critical)

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "analysis", Description: "analyse results"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Success {
		t.Fatal("关键能力失败后任务不应成功")
	}
	if outcome.Error == "" {
		t.Fatal("失败原因应被记录")
	}
}

func TestExecutorSequentialChainStopsOnCriticalFailure(t *testing.T) {
	registry := capability.NewRegistry()
	first := stub("gather", capability.CategorySearch, 2)
	second := stub("kb", capability.CategoryKnowledge, 2)
	second.desc.DependsOn = []string{"gather"}
	second.execErr = stdErrors.New("store offline")
	second.critical = true
	third := stub("reason", capability.CategoryReasoning, 2)
	third.desc.DependsOn = []string{"kb"}
	registry.Register(first)
	registry.Register(second)
	registry.Register(third)

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeSequential {
		t.Fatalf("纯链式依赖应顺序执行, got %s", outcome.Strategy)
	}
	if outcome.Success {
		t.Fatal("链中关键失败后任务不应成功")
	}
	if atomic.LoadInt32(&third.calls) != 0 {
		t.Fatal("关键失败之后的能力不应被调用")
	}
}

func TestExecutorSucceedsWithoutCapabilities(t *testing.T) {
	executor := NewExecutor(capability.NewRegistry(), nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "unknown_type", Description: "noop"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if !outcome.Success {
		t.Fatal("无可用能力时任务应空转完成")
	}
	if len(outcome.Results) != 0 {
		t.Fatalf("不应有能力调用结果: %v", outcome.Results)
	}
}

func TestExecutorAggregatesResults(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register(stub("kb", capability.CategoryKnowledge, 2))
	registry.Register(stub("search", capability.CategorySearch, 3))

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if !outcome.Success {
		t.Fatalf("任务应成功: %+v", outcome)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("应调用两个能力, got %d", len(outcome.Results))
	}
	output := outcome.Output()
	if output["success"] != true {
		t.Fatalf("折叠输出错误: %v", output)
	}
}

// meetingProvider 在调用时报到并等待放行, 用于检验并发调用。
type meetingProvider struct {
	desc    capability.Descriptor
	arrived chan<- string
	release <-chan struct{}
}

func (p *meetingProvider) Describe() capability.Descriptor { return p.desc }

func (p *meetingProvider) Execute(ctx context.Context, _ capability.Request) (*capability.Result, error) {
	p.arrived <- p.desc.Name
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &capability.Result{Success: true, Confidence: 0.8}, nil
}

func (p *meetingProvider) CheckHealth(context.Context) error { return nil }

func TestExecutorRunsIndependentCapabilitiesConcurrently(t *testing.T) {
	arrived := make(chan string, 2)
	release := make(chan struct{})

	registry := capability.NewRegistry()
	registry.Register(&meetingProvider{
		desc:    capability.Descriptor{Name: "kb", Category: capability.CategoryKnowledge, Complexity: 2, Latency: capability.LatencyFast, Reliability: 0.9},
		arrived: arrived,
		release: release,
	})
	registry.Register(&meetingProvider{
		desc:    capability.Descriptor{Name: "search", Category: capability.CategorySearch, Complexity: 2, Latency: capability.LatencyFast, Reliability: 0.9},
		arrived: arrived,
		release: release,
	})

	executor := NewExecutor(registry, nil, 5*time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}

	done := make(chan TaskOutcome, 1)
	go func() {
		done <- executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	}()

	// 两个能力应同时在途, 顺序执行时第二个报到永远不会到达
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("独立能力未被并发调用")
		}
	}
	close(release)

	outcome := <-done
	if outcome.Strategy != ShapeParallel {
		t.Fatalf("互不依赖的能力应并发执行, got %s", outcome.Strategy)
	}
	if !outcome.Success || len(outcome.Results) != 2 {
		t.Fatalf("并发执行结果错误: %+v", outcome)
	}
}

func TestExecutorParallelCollectsEveryOutcome(t *testing.T) {
	registry := capability.NewRegistry()
	failing := stub("kb", capability.CategoryKnowledge, 2)
	failing.execErr = stdErrors.New("store offline")
	registry.Register(failing)
	registry.Register(stub("search", capability.CategorySearch, 2))

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeParallel {
		t.Fatalf("应为 parallel, got %s", outcome.Strategy)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("并发形态不应短路, 应收齐全部结果: %+v", outcome.Results)
	}
	if !outcome.Success {
		t.Fatal("部分能力成功时任务应成功")
	}
}

func TestExecutorHybridRunsGroupsInOrder(t *testing.T) {
	registry := capability.NewRegistry()
	gather := stub("gather", capability.CategorySearch, 2)
	kb := stub("kb", capability.CategoryKnowledge, 2)
	reason := stub("reason", capability.CategoryReasoning, 2)
	reason.desc.DependsOn = []string{"gather", "kb"}
	registry.Register(gather)
	registry.Register(kb)
	registry.Register(reason)

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}
	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeHybrid {
		t.Fatalf("分层依赖应为 hybrid, got %s", outcome.Strategy)
	}
	if len(outcome.Results) != 3 {
		t.Fatalf("应调用三个能力, got %d", len(outcome.Results))
	}
	// 依赖组有序: reason 必须排在末位
	if outcome.Results[len(outcome.Results)-1].Capability != "reason" {
		t.Fatalf("依赖组应最后执行: %+v", outcome.Results)
	}
}

func TestExecutorHybridStopsAfterCriticalGroupFailure(t *testing.T) {
	registry := capability.NewRegistry()
	gather := stub("gather", capability.CategorySearch, 2)
	gather.execErr = stdErrors.New("search down")
	gather.critical = true
	kb := stub("kb", capability.CategoryKnowledge, 2)
	reason := stub("reason", capability.CategoryReasoning, 2)
	reason.desc.DependsOn = []string{"gather"}
	registry.Register(gather)
	registry.Register(kb)
	registry.Register(reason)

	executor := NewExecutor(registry, nil, time.Second)
	task := &goal.Task{ID: "t1", Type: "research", Description: "research the topic"}

	outcome := executor.Execute(context.Background(), task, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeHybrid {
		t.Fatalf("应为 hybrid, got %s", outcome.Strategy)
	}
	if outcome.Success {
		t.Fatal("首组关键失败后任务不应成功")
	}
	if atomic.LoadInt32(&reason.calls) != 0 {
		t.Fatal("关键失败后的依赖组不应被调用")
	}
}

func TestExecutorConditionalGatesVoiceBranch(t *testing.T) {
	registry := capability.NewRegistry()
	comm := stub("mailer", capability.CategoryCommunication, 2)
	tts := stub("tts", capability.CategoryVoice, 2)
	registry.Register(comm)
	registry.Register(tts)

	executor := NewExecutor(registry, nil, time.Second)

	// 任务未要求语音产出: 门控关闭, 语音分支被跳过
	quiet := &goal.Task{ID: "t1", Type: "communication", Description: "send email update"}
	outcome := executor.Execute(context.Background(), quiet, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeConditional {
		t.Fatalf("含语音分支应为 conditional, got %s", outcome.Strategy)
	}
	if atomic.LoadInt32(&tts.calls) != 0 {
		t.Fatal("门控关闭时语音能力不应被调用")
	}
	if atomic.LoadInt32(&comm.calls) != 1 {
		t.Fatal("非门控能力应正常调用")
	}

	// 任务明确要求语音产出: 门控放行
	spoken := &goal.Task{ID: "t2", Type: "communication", Description: "voice briefing for the team"}
	outcome = executor.Execute(context.Background(), spoken, capability.Policy{Level: capability.AutonomyFull})
	if outcome.Strategy != ShapeConditional {
		t.Fatalf("含语音分支应为 conditional, got %s", outcome.Strategy)
	}
	if atomic.LoadInt32(&tts.calls) != 1 {
		t.Fatal("门控放行时语音能力应被调用")
	}
}
