package goal

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "NovaPilot/internal/errors"
	"NovaPilot/pkg/logger"
)

// Manager 负责目标与任务的完整生命周期，是目标状态的唯一拥有者。
type Manager struct {
	store      Store
	templates  map[string]Template
	classifier *Classifier
	maxRetries int
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

// defaultMaxRetries 是任务失败后允许的最大重试次数的默认值。
const defaultMaxRetries = 3

// WithMaxRetries 设置任务的最大重试次数。
func WithMaxRetries(retries int) Option {
	return func(m *Manager) {
		if retries > 0 {
			m.maxRetries = retries
		}
	}
}

// WithTemplates 覆盖内置目标模板。
func WithTemplates(templates map[string]Template) Option {
	return func(m *Manager) {
		if templates != nil {
			m.templates = templates
		}
	}
}

// WithClassifier 覆盖默认的目标分类器。
func WithClassifier(classifier *Classifier) Option {
	return func(m *Manager) {
		if classifier != nil {
			m.classifier = classifier
		}
	}
}

// NewManager 创建目标管理器。
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		templates:  BuiltinTemplates(),
		classifier: NewClassifier(nil),
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateRequest 描述创建目标所需的输入。
type CreateRequest struct {
	Description string
	Priority    Priority
	Metadata    map[string]any
	TemplateID  string
}

// CreateGoal 创建目标。给定模板 ID 时按模板实例化任务列表，
// 否则通过规则分类器合成任务。
func (m *Manager) CreateGoal(ctx context.Context, req CreateRequest) (*Goal, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, xerrors.New(CodeGoalValidation, "目标描述不能为空")
	}
	priority := req.Priority
	if !IsValidPriority(priority) {
		priority = PriorityMedium
	}

	var category string
	var capabilities []string
	var templateTasks []TemplateTask
	if req.TemplateID != "" {
		template, ok := m.templates[req.TemplateID]
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, "未知的目标模板: "+req.TemplateID)
		}
		category = template.Category
		capabilities = append([]string(nil), template.Capabilities...)
		templateTasks = template.Tasks
	} else {
		classification := m.classifier.Classify(description)
		category = classification.Category
		capabilities = classification.Capabilities
		templateTasks = classification.Tasks
	}

	now := time.Now().Unix()
	g := &Goal{
		ID:           uuid.NewString(),
		Description:  description,
		Priority:     priority,
		Status:       StatusPending,
		Category:     category,
		Capabilities: capabilities,
		Metadata:     cloneMetadata(req.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.Tasks = m.instantiateTasks(g.ID, priority, templateTasks)

	if err := m.store.Create(ctx, g); err != nil {
		return nil, err
	}
	logger.Audit().Info("目标已创建",
		slog.String("goal_id", g.ID),
		slog.String("category", g.Category),
		slog.String("priority", string(g.Priority)),
		slog.Int("tasks", len(g.Tasks)),
	)
	return cloneGoal(g), nil
}

// instantiateTasks 将模板任务实例化为具体任务并解析模板内依赖。
// 任务优先级取模板声明与目标优先级中的较高者,
// 保证高优目标的任务在跨目标排序时不被模板默认值压低。
func (m *Manager) instantiateTasks(goalID string, goalPriority Priority, templates []TemplateTask) []*Task {
	now := time.Now().Unix()
	tasks := make([]*Task, 0, len(templates))
	for _, tt := range templates {
		priority := tt.Priority
		if !IsValidPriority(priority) || goalPriority.Weight() > priority.Weight() {
			priority = goalPriority
		}
		task := &Task{
			ID:          uuid.NewString(),
			GoalID:      goalID,
			Type:        tt.Type,
			Description: tt.Description,
			Priority:    priority,
			Status:      TaskPending,
			EstimatedMS: tt.EstimatedMS,
			MaxRetries:  m.maxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, depIndex := range tt.DependsOn {
			if depIndex >= 0 && depIndex < len(tasks) {
				task.DependsOn = append(task.DependsOn, tasks[depIndex].ID)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// Get 返回指定目标。
func (m *Manager) Get(ctx context.Context, id string) (*Goal, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return m.store.Get(ctx, id)
}

// List 返回符合过滤条件的目标列表。
func (m *Manager) List(ctx context.Context, opts ...ListOption) ([]*Goal, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return m.store.List(ctx, BuildListOptions(opts))
}

// Stats 返回目标与任务的统计信息。
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if m.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return m.store.Stats(ctx)
}

// UpdateGoalStatus 更新目标状态。
func (m *Manager) UpdateGoalStatus(ctx context.Context, id string, status Status) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的目标状态: "+string(status))
	}
	g, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	g.Status = status
	if status == StatusCompleted && g.CompletedAt == 0 {
		g.CompletedAt = time.Now().Unix()
	}
	return m.store.Save(ctx, g)
}

// UpdateTaskStatus 更新任务状态并重算目标进度。
func (m *Manager) UpdateTaskStatus(ctx context.Context, goalID, taskID string, status TaskStatus) error {
	if !IsValidTaskStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态: "+string(status))
	}
	return m.mutateTask(ctx, goalID, taskID, func(task *Task) error {
		task.Status = status
		return nil
	})
}

// ClaimTask 在任务执行前领取任务：累加尝试次数并置为执行中。
// 超过最大重试次数时返回 ErrTaskExhausted，任务被标记为 failed。
func (m *Manager) ClaimTask(ctx context.Context, goalID, taskID string) (*Task, error) {
	var claimed *Task
	err := m.mutateTask(ctx, goalID, taskID, func(task *Task) error {
		if task.Status == TaskCompleted {
			return ErrGoalConflict
		}
		if task.Status == TaskExecuting {
			return ErrGoalConflict
		}
		if task.Attempts >= task.MaxRetries {
			task.Status = TaskFailed
			return ErrTaskExhausted
		}
		task.Attempts++
		task.Status = TaskExecuting
		task.LastError = ""
		claimed = cloneTask(task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask 记录任务成功结果。
func (m *Manager) CompleteTask(ctx context.Context, goalID, taskID string, result map[string]any) error {
	err := m.mutateTask(ctx, goalID, taskID, func(task *Task) error {
		task.Status = TaskCompleted
		task.Result = cloneMetadata(result)
		task.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("goal_id", goalID),
		slog.String("task_id", taskID),
	)
	return nil
}

// FailTask 记录任务失败。剩余重试次数未耗尽时任务转入 retrying，
// 否则恰好一次地转入 failed。
func (m *Manager) FailTask(ctx context.Context, goalID, taskID, lastError string) error {
	var terminal bool
	err := m.mutateTask(ctx, goalID, taskID, func(task *Task) error {
		task.LastError = lastError
		if task.Attempts < task.MaxRetries {
			task.Status = TaskRetrying
			return nil
		}
		task.Status = TaskFailed
		terminal = true
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("goal_id", goalID),
		slog.String("task_id", taskID),
		slog.Bool("terminal", terminal),
		slog.String("error", lastError),
	)
	return nil
}

// mutateTask 对任务应用变更并同步刷新目标状态，整体保存保证原子性。
func (m *Manager) mutateTask(ctx context.Context, goalID, taskID string, mutate func(*Task) error) error {
	if m.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	g, err := m.store.Get(ctx, goalID)
	if err != nil {
		return err
	}
	task, ok := g.Task(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	mutateErr := mutate(task)
	task.UpdatedAt = time.Now().Unix()
	refreshGoalStatus(g)
	if err := m.store.Save(ctx, g); err != nil {
		return err
	}
	return mutateErr
}

// refreshGoalStatus 依据任务状态推导目标状态。
// 目标完成当且仅当全部任务完成。依赖链上存在终态失败的
// 待执行任务永远无法就绪, 不计入可运行任务。
func refreshGoalStatus(g *Goal) {
	if len(g.Tasks) == 0 {
		return
	}
	doomed := doomedTasks(g)
	completed := 0
	failed := 0
	runnable := 0
	for _, task := range g.Tasks {
		switch task.Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		case TaskExecuting:
			runnable++
		case TaskPending, TaskRetrying:
			if _, blocked := doomed[task.ID]; !blocked {
				runnable++
			}
		}
	}
	switch {
	case completed == len(g.Tasks):
		g.Status = StatusCompleted
		if g.CompletedAt == 0 {
			g.CompletedAt = time.Now().Unix()
		}
	case failed > 0 && runnable == 0:
		g.Status = StatusFailed
	case g.Status == StatusPending && completed+failed > 0:
		g.Status = StatusInProgress
	case g.Status == StatusActive && completed+failed > 0:
		g.Status = StatusInProgress
	}
}

// doomedTasks 返回依赖链上存在终态失败任务的任务集合。
func doomedTasks(g *Goal) map[string]struct{} {
	doomed := make(map[string]struct{})
	for _, task := range g.Tasks {
		if task.Status == TaskFailed {
			doomed[task.ID] = struct{}{}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, task := range g.Tasks {
			if _, ok := doomed[task.ID]; ok {
				continue
			}
			for _, dep := range task.DependsOn {
				if _, ok := doomed[dep]; ok {
					doomed[task.ID] = struct{}{}
					changed = true
					break
				}
			}
		}
	}
	return doomed
}

// MutateGoal 读取目标、应用变更并整体保存。
// 变更函数返回错误时不落盘。
func (m *Manager) MutateGoal(ctx context.Context, id string, mutate func(*Goal) error) error {
	if m.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	g, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(g); err != nil {
		return err
	}
	return m.store.Save(ctx, g)
}

// Progress 计算目标的进度、阶段与阻塞信息。
func (m *Manager) Progress(ctx context.Context, goalID string) (Progress, error) {
	g, err := m.store.Get(ctx, goalID)
	if err != nil {
		return Progress{}, err
	}
	return ComputeProgress(g), nil
}

// ExecutableTask 将任务与其所属目标捆绑返回，便于调度层使用。
type ExecutableTask struct {
	Goal *Goal
	Task *Task
}

// NextExecutableTasks 返回各活跃目标中依赖已满足的待执行任务，
// 按优先级权重从高到低排序，最多返回 limit 个。
func (m *Manager) NextExecutableTasks(ctx context.Context, limit int) ([]ExecutableTask, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	if limit <= 0 {
		limit = 3
	}
	goals, err := m.store.List(ctx, ListOptions{
		Limit:    100,
		Statuses: []Status{StatusActive, StatusInProgress},
		Order:    SortByUpdatedAsc,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]ExecutableTask, 0, limit)
	for _, g := range goals {
		index := g.TaskIndex()
		for _, task := range g.Tasks {
			if task.Status != TaskPending && task.Status != TaskRetrying {
				continue
			}
			if !task.DependenciesMet(index) {
				continue
			}
			candidates = append(candidates, ExecutableTask{Goal: g, Task: task})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Task.Priority.Weight() > candidates[j].Task.Priority.Weight()
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ActivateGoal 将待启动的目标置为活跃状态。
func (m *Manager) ActivateGoal(ctx context.Context, id string) error {
	g, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if g.Status != StatusPending {
		return nil
	}
	g.Status = StatusActive
	return m.store.Save(ctx, g)
}

// ArchiveGoal 将单个目标移入历史区。
func (m *Manager) ArchiveGoal(ctx context.Context, id string) error {
	if m.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return m.store.Archive(ctx, id)
}

// ListArchived 返回历史区中的目标。
func (m *Manager) ListArchived(ctx context.Context, opts ...ListOption) ([]*Goal, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return m.store.ListArchived(ctx, BuildListOptions(opts))
}

// ArchiveCompleted 将已完成的目标移入历史区，返回归档数量。
func (m *Manager) ArchiveCompleted(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	goals, err := m.store.List(ctx, ListOptions{
		Limit:    100,
		Statuses: []Status{StatusCompleted},
	})
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, g := range goals {
		if err := m.store.Archive(ctx, g.ID); err != nil {
			logger.L().Error("归档目标失败", slog.Any("error", err), slog.String("goal_id", g.ID))
			continue
		}
		archived++
	}
	if archived > 0 {
		logger.Audit().Info("已归档完成目标", slog.Int("count", archived))
	}
	return archived, nil
}

// Close 释放存储资源。
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
