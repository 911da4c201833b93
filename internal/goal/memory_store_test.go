package goal

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func storedGoal(id, description string, status Status, updatedAt int64) *Goal {
	return &Goal{
		ID:          id,
		Description: description,
		Priority:    PriorityMedium,
		Status:      status,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := storedGoal("g1", "first", StatusPending, time.Now().Unix())
	if err := store.Create(ctx, g); err != nil {
		t.Fatalf("创建目标失败: %v", err)
	}
	if err := store.Create(ctx, g); !stdErrors.Is(err, ErrGoalConflict) {
		t.Fatalf("重复 ID 应返回 ErrGoalConflict, got %v", err)
	}
	if err := store.Create(ctx, &Goal{}); err == nil {
		t.Fatal("空 ID 应被拒绝")
	}
}

func TestMemoryStoreCloneSemantics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := storedGoal("g1", "immutable", StatusPending, time.Now().Unix())
	g.Tasks = []*Task{{ID: "t1", GoalID: "g1", Status: TaskPending}}
	if err := store.Create(ctx, g); err != nil {
		t.Fatalf("创建目标失败: %v", err)
	}

	got, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("查询目标失败: %v", err)
	}
	got.Description = "mutated"
	got.Tasks[0].Status = TaskCompleted

	again, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("查询目标失败: %v", err)
	}
	if again.Description != "immutable" || again.Tasks[0].Status != TaskPending {
		t.Fatal("读出的副本被修改后不应影响存储内的记录")
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []*Goal{
		storedGoal("g1", "collect market data", StatusActive, 100),
		storedGoal("g2", "compile weekly report", StatusCompleted, 200),
		storedGoal("g3", "monitor market signals", StatusActive, 300),
	}
	for _, g := range seed {
		if err := store.Create(ctx, g); err != nil {
			t.Fatalf("创建目标失败: %v", err)
		}
	}

	active, err := store.List(ctx, BuildListOptions([]ListOption{
		WithStatuses(StatusActive),
	}))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active 过滤结果错误: got %d", len(active))
	}

	matched, err := store.List(ctx, BuildListOptions([]ListOption{
		WithQuery("market"),
	}))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("关键字过滤结果错误: got %d", len(matched))
	}

	limited, err := store.List(ctx, BuildListOptions([]ListOption{
		WithLimit(1),
		WithSortOrder(SortByUpdatedAsc),
	}))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "g1" {
		t.Fatalf("升序分页结果错误: %v", limited)
	}
}

func TestMemoryStoreArchiveRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := storedGoal("g1", "done", StatusCompleted, time.Now().Unix())
	if err := store.Create(ctx, g); err != nil {
		t.Fatalf("创建目标失败: %v", err)
	}
	if err := store.Archive(ctx, "g1"); err != nil {
		t.Fatalf("归档失败: %v", err)
	}
	if err := store.Archive(ctx, "g1"); !stdErrors.Is(err, ErrGoalNotFound) {
		t.Fatalf("重复归档应返回 ErrGoalNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "g1"); !stdErrors.Is(err, ErrGoalNotFound) {
		t.Fatalf("归档后的目标不应在活跃区, got %v", err)
	}
	archived, err := store.ListArchived(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("查询历史区失败: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "g1" {
		t.Fatalf("历史区内容错误: %v", archived)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := storedGoal("g1", "active goal", StatusActive, time.Now().Unix())
	g.Tasks = []*Task{
		{ID: "t1", Status: TaskCompleted},
		{ID: "t2", Status: TaskExecuting},
		{ID: "t3", Status: TaskRetrying},
	}
	if err := store.Create(ctx, g); err != nil {
		t.Fatalf("创建目标失败: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Goals != 1 || stats.ActiveGoals != 1 {
		t.Fatalf("目标统计错误: %+v", stats)
	}
	if stats.Tasks != 3 || stats.CompletedTasks != 1 || stats.ExecutingTasks != 1 || stats.PendingTasks != 1 {
		t.Fatalf("任务统计错误: %+v", stats)
	}
}
