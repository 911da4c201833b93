package scheduler

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/orchestrator"
	"NovaPilot/internal/planning"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/situation"
)

type tickProvider struct {
	desc capability.Descriptor
	fail bool
}

func (p *tickProvider) Describe() capability.Descriptor { return p.desc }

func (p *tickProvider) Execute(context.Context, capability.Request) (*capability.Result, error) {
	if p.fail {
		return &capability.Result{Success: false, Critical: true, Error: "provider down"},
			stdErrors.New("provider down")
	}
	return &capability.Result{Success: true, Confidence: 0.9}, nil
}

func (p *tickProvider) CheckHealth(context.Context) error { return nil }

func newTestScheduler(t *testing.T, fail bool, opts ...Option) (*Scheduler, *goal.Manager) {
	t.Helper()

	manager := goal.NewManager(goal.NewMemoryStore(), goal.WithMaxRetries(2))
	registry := capability.NewRegistry()
	registry.Register(&tickProvider{
		desc: capability.Descriptor{
			Name:        "kb",
			Category:    capability.CategoryKnowledge,
			Complexity:  2,
			Latency:     capability.LatencyFast,
			Reliability: 0.95,
		},
		fail: fail,
	})

	planner := planning.NewPlanner(nil, nil)
	executor := orchestrator.NewExecutor(registry, nil, time.Second)
	tracker := situation.NewTracker(50)
	reflector := reflection.NewEngine()

	s := New(manager, planner, registry, executor, tracker, reflector, Config{
		TickInterval:    time.Second,
		MaxConcurrent:   3,
		ReflectionEvery: 1,
	}, opts...)
	return s, manager
}

func createGoal(t *testing.T, manager *goal.Manager, description string) *goal.Goal {
	t.Helper()
	g, err := manager.CreateGoal(context.Background(), goal.CreateRequest{
		Description: description,
	})
	if err != nil {
		t.Fatalf("创建目标失败: %v", err)
	}
	return g
}

func TestTickDrivesGoalToCompletion(t *testing.T) {
	s, manager := newTestScheduler(t, false)
	ctx := context.Background()

	g := createGoal(t, manager, "research the release notes")

	// 每轮最多执行 3 个就绪任务, 多轮后目标应收敛
	for i := 0; i < 10; i++ {
		s.Tick(ctx)
	}

	if _, err := manager.Get(ctx, g.ID); !stdErrors.Is(err, goal.ErrGoalNotFound) {
		got, getErr := manager.Get(ctx, g.ID)
		if getErr != nil {
			t.Fatalf("查询目标失败: %v", getErr)
		}
		t.Fatalf("目标应已完成并归档, 当前状态 %s", got.Status)
	}

	archived, err := manager.ListArchived(ctx)
	if err != nil {
		t.Fatalf("查询历史区失败: %v", err)
	}
	if len(archived) != 1 || archived[0].Status != goal.StatusCompleted {
		t.Fatalf("历史区内容错误: %v", archived)
	}
}

func TestTickAdmitsPendingGoals(t *testing.T) {
	s, manager := newTestScheduler(t, false)
	ctx := context.Background()

	g := createGoal(t, manager, "help organize the backlog")
	s.Tick(ctx)

	got, err := manager.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("查询目标失败: %v", err)
	}
	if got.Status == goal.StatusPending {
		t.Fatal("循环后目标不应停留在 pending")
	}
	if _, ok := got.Metadata["strategy"]; !ok {
		t.Fatal("接纳目标时应写入策略元数据")
	}
}

func TestTickSingleFlight(t *testing.T) {
	s, _ := newTestScheduler(t, false)

	// 手动占用单飞标记, 模拟上一轮尚未结束
	if !s.ticking.CompareAndSwap(false, true) {
		t.Fatal("初始状态应可进入循环")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()
	wg.Wait()

	if got := s.tickCount.Load(); got != 0 {
		t.Fatalf("被跳过的循环不应计数: %d", got)
	}
	s.ticking.Store(false)
}

func TestFailedTasksEnterTerminalStateOnce(t *testing.T) {
	s, manager := newTestScheduler(t, true)
	ctx := context.Background()

	g := createGoal(t, manager, "research a flaky topic")
	for i := 0; i < 10; i++ {
		s.Tick(ctx)
	}

	got, err := manager.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("查询目标失败: %v", err)
	}
	if got.Status != goal.StatusFailed {
		t.Fatalf("任务无法推进时目标应为 failed, got %s", got.Status)
	}
	failed := 0
	for _, task := range got.Tasks {
		if task.Status == goal.TaskFailed {
			failed++
		}
		if task.Attempts > task.MaxRetries {
			t.Fatalf("尝试次数不应超过上限: %d > %d", task.Attempts, task.MaxRetries)
		}
	}
	if failed == 0 {
		t.Fatal("应至少有一个任务进入终态失败")
	}
}

// stageStore 包装目标存储, 按查询的状态组合记录各阶段的先后次序。
type stageStore struct {
	goal.Store
	mu     sync.Mutex
	stages []string
}

func (s *stageStore) List(ctx context.Context, opts goal.ListOptions) ([]*goal.Goal, error) {
	label := ""
	switch {
	case len(opts.Statuses) == 1 && opts.Statuses[0] == goal.StatusCompleted:
		label = "archive"
	case len(opts.Statuses) == 1 && opts.Statuses[0] == goal.StatusPending:
		label = "admit"
	case len(opts.Statuses) == 1 && opts.Statuses[0] == goal.StatusInProgress:
		label = "plan"
	case len(opts.Statuses) == 2 && opts.Statuses[0] == goal.StatusActive:
		label = "execute"
	case len(opts.Statuses) == 2 && opts.Statuses[0] == goal.StatusCompleted:
		label = "reflect"
	}
	if label != "" {
		s.mu.Lock()
		s.stages = append(s.stages, label)
		s.mu.Unlock()
	}
	return s.Store.List(ctx, opts)
}

func TestTickStageOrdering(t *testing.T) {
	store := &stageStore{Store: goal.NewMemoryStore()}
	manager := goal.NewManager(store, goal.WithMaxRetries(2))
	registry := capability.NewRegistry()
	planner := planning.NewPlanner(nil, nil)
	executor := orchestrator.NewExecutor(registry, nil, time.Second)

	s := New(manager, planner, registry, executor,
		situation.NewTracker(50), reflection.NewEngine(), Config{
			TickInterval:    time.Second,
			MaxConcurrent:   1,
			ReflectionEvery: 1,
		})
	s.Tick(context.Background())

	store.mu.Lock()
	stages := append([]string(nil), store.stages...)
	store.mu.Unlock()

	want := []string{"archive", "admit", "plan", "execute", "reflect"}
	if len(stages) != len(want) {
		t.Fatalf("单轮循环的阶段记录错误: %v", stages)
	}
	for i, stage := range want {
		if stages[i] != stage {
			t.Fatalf("阶段次序错误: 第 %d 个应为 %s, got %v", i, stage, stages)
		}
	}
}

func TestFailedGoalReflectedExactlyOnce(t *testing.T) {
	s, manager := newTestScheduler(t, true)
	ctx := context.Background()

	g := createGoal(t, manager, "research a flaky topic")
	for i := 0; i < 10; i++ {
		s.Tick(ctx)
	}

	got, err := manager.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("查询目标失败: %v", err)
	}
	if got.Status != goal.StatusFailed {
		t.Fatalf("目标应为 failed, got %s", got.Status)
	}
	if done, _ := got.Metadata["reflected"].(bool); !done {
		t.Fatal("失败目标复盘后应带有 reflected 标记")
	}

	reflected := 0
	for _, entry := range s.reflector.History(0) {
		if entry.GoalID == g.ID {
			reflected++
		}
	}
	if reflected != 1 {
		t.Fatalf("同一目标只应复盘一次, got %d", reflected)
	}
}

func TestEffectivePolicyTightensOnErrors(t *testing.T) {
	s, _ := newTestScheduler(t, false)
	s.SetPolicy(capability.Policy{Level: capability.AutonomyFull})

	if got := s.EffectivePolicy(); got.Level != capability.AutonomyFull {
		t.Fatalf("无错误时应保持基础策略, got %s", got.Level)
	}

	for i := 0; i < 6; i++ {
		s.recordError(stdErrors.New("boom"))
	}
	if got := s.EffectivePolicy(); got.Level != capability.AutonomyManual {
		t.Fatalf("错误超阈值后应收紧到 manual, got %s", got.Level)
	}
}

func TestAutonomyRestrictionLatchesUntilOperatorIntervention(t *testing.T) {
	s, _ := newTestScheduler(t, false)
	s.SetPolicy(capability.Policy{Level: capability.AutonomyFull})

	for i := 0; i < 6; i++ {
		s.recordError(stdErrors.New("boom"))
	}
	if got := s.EffectivePolicy(); got.Level != capability.AutonomyManual {
		t.Fatalf("错误超阈值后应收紧到 manual, got %s", got.Level)
	}

	// 错误窗口滑出后收紧仍应保持, 直到操作者干预
	s.mu.Lock()
	s.errorTimes = nil
	s.mu.Unlock()
	if got := s.EffectivePolicy(); got.Level != capability.AutonomyManual {
		t.Fatalf("收紧应锁存到操作者干预, got %s", got.Level)
	}
	if prefs := s.Preferences(); prefs["autonomy_level"] != string(capability.AutonomyManual) {
		t.Fatalf("收紧应同步反映到偏好: %v", prefs)
	}

	s.UpdatePreferences(map[string]any{"autonomy_level": string(capability.AutonomyFull)})
	if got := s.EffectivePolicy(); got.Level != capability.AutonomyFull {
		t.Fatalf("操作者调整偏好后应解除收紧, got %s", got.Level)
	}
}

func TestUpdatePreferencesAdjustsAutonomy(t *testing.T) {
	s, _ := newTestScheduler(t, false)

	s.UpdatePreferences(map[string]any{
		"autonomy_level": "manual",
		"quiet_hours":    "22:00-07:00",
	})

	if got := s.EffectivePolicy(); got.Level != capability.AutonomyManual {
		t.Fatalf("偏好应更新自主级别, got %s", got.Level)
	}
	prefs := s.Preferences()
	if prefs["quiet_hours"] != "22:00-07:00" {
		t.Fatalf("偏好未保存: %v", prefs)
	}

	// 非法级别被忽略
	s.UpdatePreferences(map[string]any{"autonomy_level": "yolo"})
	if got := s.EffectivePolicy(); got.Level != capability.AutonomyManual {
		t.Fatalf("非法级别不应生效, got %s", got.Level)
	}
}

func TestStatePersistedAcrossRestart(t *testing.T) {
	store := NewMemoryStateStore()
	s, manager := newTestScheduler(t, false, WithStateStore(store))
	ctx := context.Background()

	createGoal(t, manager, "research persistence")
	for i := 0; i < 10; i++ {
		s.Tick(ctx)
	}

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("读取状态失败: %v", err)
	}
	if state == nil {
		t.Fatal("循环后应存在持久化状态")
	}
	if len(state.PerformanceMetrics) == 0 {
		t.Fatal("能力统计应被持久化")
	}
	if len(state.StrategyWeights) == 0 {
		t.Fatal("策略权重应被持久化")
	}

	// 以同一状态存储重建调度器, 记忆应恢复
	restored, _ := newTestScheduler(t, false, WithStateStore(store))
	if err := restored.restoreState(ctx); err != nil {
		t.Fatalf("恢复状态失败: %v", err)
	}
	record, ok := restored.registry.Performance("kb")
	if !ok || record.Invocations == 0 {
		t.Fatalf("能力统计未恢复: %+v", record)
	}
}
