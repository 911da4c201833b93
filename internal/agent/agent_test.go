package agent

import (
	"context"
	"testing"
	"time"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/intake"
	"NovaPilot/internal/orchestrator"
	"NovaPilot/internal/planning"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/scheduler"
	"NovaPilot/internal/situation"
)

type stubProvider struct {
	desc capability.Descriptor
}

func (p *stubProvider) Describe() capability.Descriptor { return p.desc }

func (p *stubProvider) Execute(context.Context, capability.Request) (*capability.Result, error) {
	return &capability.Result{Success: true, Confidence: 0.9}, nil
}

func (p *stubProvider) CheckHealth(context.Context) error { return nil }

func newTestAgent(t *testing.T, opts ...Option) *Agent {
	t.Helper()

	manager := goal.NewManager(goal.NewMemoryStore())
	registry := capability.NewRegistry()
	registry.Register(&stubProvider{
		desc: capability.Descriptor{
			Name:        "kb",
			Category:    capability.CategoryKnowledge,
			Complexity:  2,
			Latency:     capability.LatencyFast,
			Reliability: 0.95,
		},
	})

	planner := planning.NewPlanner(nil, nil)
	executor := orchestrator.NewExecutor(registry, nil, time.Second)
	tracker := situation.NewTracker(50)
	reflector := reflection.NewEngine()
	sched := scheduler.New(manager, planner, registry, executor, tracker, reflector, scheduler.Config{
		TickInterval:    time.Second,
		MaxConcurrent:   3,
		ReflectionEvery: 1,
	})

	return New(manager, sched, registry, tracker, reflector, opts...)
}

func TestAddGoalPublishesToQueue(t *testing.T) {
	queue := intake.NewMemoryQueue(4)
	a := newTestAgent(t, WithIntakeProducer(queue))
	ctx := context.Background()

	g, err := a.AddGoal(ctx, GoalRequest{Description: "research quarterly numbers"})
	if err != nil {
		t.Fatalf("提交目标失败: %v", err)
	}
	if g.Status != goal.StatusPending {
		t.Fatalf("新目标应为 pending, got %s", g.Status)
	}

	received := make(chan string, 1)
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, goalID string) error {
			received <- goalID
			return nil
		})
	}()

	select {
	case goalID := <-received:
		if goalID != g.ID {
			t.Fatalf("队列中的目标 ID 不匹配: %s != %s", goalID, g.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待队列投递超时")
	}
}

func TestAddGoalRejectsEmptyDescription(t *testing.T) {
	a := newTestAgent(t)
	if _, err := a.AddGoal(context.Background(), GoalRequest{}); err == nil {
		t.Fatal("空描述应被拒绝")
	}
}

func TestExecuteGoalRunsToCompletion(t *testing.T) {
	a := newTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, err := a.AddGoal(ctx, GoalRequest{Description: "research the migration plan"})
	if err != nil {
		t.Fatalf("提交目标失败: %v", err)
	}

	done, err := a.ExecuteGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("执行目标失败: %v", err)
	}
	if done.Status != goal.StatusCompleted {
		t.Fatalf("目标应执行完成, got %s", done.Status)
	}

	// 归档后仍可通过历史区查到
	got, err := a.GetGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("查询已归档目标失败: %v", err)
	}
	if got.Status != goal.StatusCompleted {
		t.Fatalf("历史区目标状态错误: %s", got.Status)
	}
}

func TestStatusSnapshot(t *testing.T) {
	a := newTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, err := a.AddGoal(ctx, GoalRequest{Description: "research status reporting"})
	if err != nil {
		t.Fatalf("提交目标失败: %v", err)
	}
	if _, err := a.ExecuteGoal(ctx, g.ID); err != nil {
		t.Fatalf("执行目标失败: %v", err)
	}

	status, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if len(status.Capabilities) != 1 || status.Capabilities[0].Descriptor.Name != "kb" {
		t.Fatalf("能力快照错误: %+v", status.Capabilities)
	}
	if status.Capabilities[0].Performance.Invocations == 0 {
		t.Fatal("执行后能力调用统计应大于 0")
	}
	if status.Autonomy != string(capability.AutonomySupervised) {
		t.Fatalf("默认自主级别应为 supervised, got %s", status.Autonomy)
	}
	if len(a.Reflections(10)) == 0 {
		t.Fatal("执行完成后应存在复盘记录")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	a := newTestAgent(t)

	a.UpdatePreferences(map[string]any{
		"autonomy_level": "full",
		"briefing_time":  "08:30",
	})
	prefs := a.Preferences()
	if prefs["briefing_time"] != "08:30" {
		t.Fatalf("偏好未保存: %v", prefs)
	}

	status, err := a.Status(context.Background())
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if status.Autonomy != string(capability.AutonomyFull) {
		t.Fatalf("自主级别应随偏好更新, got %s", status.Autonomy)
	}
}
