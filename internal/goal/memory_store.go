package goal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "NovaPilot/internal/errors"
)

// MemoryStore 以内存方式保存目标状态，是默认的存储实现。
type MemoryStore struct {
	mu       sync.RWMutex
	goals    map[string]*Goal
	archived map[string]*Goal
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals:    make(map[string]*Goal),
		archived: make(map[string]*Goal),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, g *Goal) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	if g.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[g.ID]; ok {
		return ErrGoalConflict
	}
	if _, ok := m.archived[g.ID]; ok {
		return ErrGoalConflict
	}
	now := time.Now().Unix()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	m.goals[g.ID] = cloneGoal(g)
	return nil
}

// Get 返回目标的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	return cloneGoal(g), nil
}

// Save 整体覆盖目标记录。
func (m *MemoryStore) Save(_ context.Context, g *Goal) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[g.ID]; !ok {
		return ErrGoalNotFound
	}
	g.UpdatedAt = time.Now().Unix()
	m.goals[g.ID] = cloneGoal(g)
	return nil
}

// List 返回符合过滤条件的目标列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listGoals(m.goals, opts), nil
}

// Archive 将目标移入历史区。
func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return ErrGoalNotFound
	}
	delete(m.goals, id)
	m.archived[id] = g
	return nil
}

// ListArchived 返回历史区中的目标。
func (m *MemoryStore) ListArchived(_ context.Context, opts ListOptions) ([]*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listGoals(m.archived, opts), nil
}

// Stats 统计目标与任务数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ArchivedGoals: len(m.archived)}
	for _, g := range m.goals {
		stats.Goals++
		switch g.Status {
		case StatusActive, StatusInProgress:
			stats.ActiveGoals++
		case StatusCompleted:
			stats.CompletedGoals++
		case StatusFailed:
			stats.FailedGoals++
		}
		for _, task := range g.Tasks {
			stats.Tasks++
			switch task.Status {
			case TaskPending, TaskRetrying:
				stats.PendingTasks++
			case TaskExecuting:
				stats.ExecutingTasks++
			case TaskCompleted:
				stats.CompletedTasks++
			case TaskFailed:
				stats.FailedTasks++
			}
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func listGoals(source map[string]*Goal, opts ListOptions) []*Goal {
	opts.applyDefaults()

	results := make([]*Goal, 0, len(source))
	for _, g := range source {
		if !matchesListFilters(g, opts) {
			continue
		}
		results = append(results, cloneGoal(g))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

func matchesListFilters(g *Goal, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if g.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && g.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && g.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		lowered := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(g.Description), lowered) &&
			!strings.Contains(strings.ToLower(g.Category), lowered) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
