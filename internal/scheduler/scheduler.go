// Package scheduler 驱动智能体的自治循环:
// 感知环境、接纳目标、规划、执行、复盘与状态持久化。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/intake"
	"NovaPilot/internal/observability/alerting"
	"NovaPilot/internal/observability/metrics"
	"NovaPilot/internal/orchestrator"
	"NovaPilot/internal/planning"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/situation"
	"NovaPilot/pkg/logger"
)

// 调度器缺省参数。
const (
	defaultTickInterval    = 5 * time.Second
	defaultMaxConcurrent   = 3
	defaultReflectionEvery = 12
	// sweepInterval 环境感知巡检的最短间隔。
	sweepInterval = 5 * time.Minute
	// errorWindow 统计近期错误的时间窗口。
	errorWindow = 10 * time.Minute
	// errorThreshold 窗口内错误超过该数量时收紧自主级别。
	errorThreshold = 5
)

// Config 描述调度器的运行参数。
type Config struct {
	TickInterval    time.Duration
	MaxConcurrent   int
	ReflectionEvery int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.ReflectionEvery <= 0 {
		c.ReflectionEvery = defaultReflectionEvery
	}
}

// Scheduler 是自治循环的唯一驱动者。同一时刻至多一个循环在执行。
type Scheduler struct {
	manager    *goal.Manager
	planner    *planning.Planner
	registry   *capability.Registry
	executor   *orchestrator.Executor
	tracker    *situation.Tracker
	reflector  *reflection.Engine
	alerter    alerting.Dispatcher
	stateStore StateStore
	queue      intake.Consumer

	cfg Config
	sem *semaphore.Weighted

	// ticking 保证循环单飞: 上一轮未结束时跳过本轮。
	ticking    atomic.Bool
	tickCount  atomic.Int64
	errorCount atomic.Int64

	mu          sync.Mutex
	basePolicy  capability.Policy
	preferences map[string]any
	errorTimes  []time.Time
	// restricted 锁存错误超阈值后的自主收紧,
	// 仅在操作者调整策略或偏好时解除。
	restricted  bool
	lastSweepAt time.Time
}

// Option 定义可选的调度器配置。
type Option func(*Scheduler)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerter = dispatcher }
}

// WithStateStore 配置状态持久化存储。
func WithStateStore(store StateStore) Option {
	return func(s *Scheduler) { s.stateStore = store }
}

// WithIntakeConsumer 配置目标接入队列的消费端。
func WithIntakeConsumer(consumer intake.Consumer) Option {
	return func(s *Scheduler) { s.queue = consumer }
}

// WithPolicy 配置基础自主策略。
func WithPolicy(policy capability.Policy) Option {
	return func(s *Scheduler) { s.basePolicy = policy }
}

// New 创建调度器。
func New(
	manager *goal.Manager,
	planner *planning.Planner,
	registry *capability.Registry,
	executor *orchestrator.Executor,
	tracker *situation.Tracker,
	reflector *reflection.Engine,
	cfg Config,
	opts ...Option,
) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		manager:     manager,
		planner:     planner,
		registry:    registry,
		executor:    executor,
		tracker:     tracker,
		reflector:   reflector,
		stateStore:  NewMemoryStateStore(),
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		basePolicy:  capability.DefaultPolicy(),
		preferences: make(map[string]any),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 启动自治循环, 直到 ctx 取消。
// 先恢复历史状态, 再并行启动接入消费与定时循环。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restoreState(ctx); err != nil {
		logger.L().Warn("恢复调度器状态失败, 以空状态启动", slog.Any("error", err))
	}

	if s.queue != nil {
		go func() {
			if err := s.queue.Consume(ctx, 1, s.admitFromQueue); err != nil && ctx.Err() == nil {
				logger.L().Error("接入队列消费退出", slog.Any("error", err))
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一轮完整循环。上一轮尚未结束时本轮直接跳过。
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		logger.L().Debug("上一轮循环尚未结束, 跳过本轮")
		return
	}
	defer s.ticking.Store(false)

	tick := s.tickCount.Add(1)
	started := time.Now()
	errorsBefore := s.errorCount.Load()

	// 阶段次序是约定的一部分: 归档先于规划, 规划先于执行,
	// 执行先于复盘, 复盘先于持久化。
	s.senseStage(ctx)
	s.archiveStage(ctx)
	s.admitStage(ctx)
	s.planStage(ctx)
	s.executeStage(ctx)
	if tick%int64(s.cfg.ReflectionEvery) == 0 {
		s.reflectStage(ctx)
	}
	s.persistStage(ctx)

	metrics.ObserveTick(time.Since(started), s.errorCount.Load() > errorsBefore)
}

// senseStage 更新环境感知并按节奏执行模式巡检。
func (s *Scheduler) senseStage(ctx context.Context) {
	stats, err := s.manager.Stats(ctx)
	if err == nil {
		s.tracker.Apply([]situation.Change{
			{Field: "active_goals", Value: stats.ActiveGoals, Reason: "tick"},
			{Field: "pending_tasks", Value: stats.PendingTasks, Reason: "tick"},
		})
	}
	s.tracker.Set("cultural_context", s.tracker.Cultural(time.Now()), "")

	s.mu.Lock()
	due := time.Since(s.lastSweepAt) >= sweepInterval
	if due {
		s.lastSweepAt = time.Now()
	}
	s.mu.Unlock()
	if due {
		if applied := s.tracker.Sweep(time.Now()); len(applied) > 0 {
			logger.L().Info("环境巡检自动应用预测", slog.Int("count", len(applied)))
		}
	}
}

// admitFromQueue 处理接入队列送达的目标。
func (s *Scheduler) admitFromQueue(ctx context.Context, goalID string) error {
	g, err := s.manager.Get(ctx, goalID)
	if err != nil {
		if goal.IsNotFound(err) {
			logger.L().Warn("接入的目标不存在", slog.String("goal_id", goalID))
			return nil
		}
		return err
	}
	if g.Status != goal.StatusPending {
		return nil
	}
	return s.admitGoal(ctx, g)
}

// admitStage 兜底接纳仍处于 pending 的目标。
func (s *Scheduler) admitStage(ctx context.Context) {
	goals, err := s.manager.List(ctx,
		goal.WithStatuses(goal.StatusPending),
		goal.WithLimit(20),
	)
	if err != nil {
		s.recordError(err)
		return
	}
	for _, g := range goals {
		if err := s.admitGoal(ctx, g); err != nil {
			s.recordError(err)
			logger.L().Error("接纳目标失败", slog.Any("error", err), slog.String("goal_id", g.ID))
		}
	}
}

// admitGoal 为目标生成执行计划并激活。
func (s *Scheduler) admitGoal(ctx context.Context, g *goal.Goal) error {
	plan, err := s.planner.BuildPlan(g, s.availableCategories())
	if err != nil {
		return err
	}
	err = s.manager.MutateGoal(ctx, g.ID, func(target *goal.Goal) error {
		planning.Apply(target, plan)
		if target.Metadata == nil {
			target.Metadata = make(map[string]any)
		}
		target.Metadata["strategy"] = plan.Strategy
		target.Metadata["plan_confidence"] = plan.Confidence
		target.Status = goal.StatusActive
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("目标已接纳",
		slog.String("goal_id", g.ID),
		slog.String("strategy", plan.Strategy),
		slog.Float64("confidence", plan.Confidence),
	)
	return nil
}

// planStage 预留给计划修订: 对执行中出现终态失败任务的目标降低策略权重。
func (s *Scheduler) planStage(ctx context.Context) {
	goals, err := s.manager.List(ctx,
		goal.WithStatuses(goal.StatusInProgress),
		goal.WithLimit(50),
	)
	if err != nil {
		s.recordError(err)
		return
	}
	for _, g := range goals {
		for _, task := range g.Tasks {
			if task.Status == goal.TaskFailed {
				if strategy, ok := g.Metadata["strategy"].(string); ok {
					s.planner.Selector().Adapt(strategy, false)
				}
				break
			}
		}
	}
}

// executeStage 领取依赖就绪的任务并发执行, 并发度受信号量约束。
func (s *Scheduler) executeStage(ctx context.Context) {
	executables, err := s.manager.NextExecutableTasks(ctx, s.cfg.MaxConcurrent)
	if err != nil {
		s.recordError(err)
		return
	}

	policy := s.EffectivePolicy()
	var wg sync.WaitGroup
	for _, executable := range executables {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		executable := executable
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			s.runTask(ctx, executable, policy)
		}()
	}
	wg.Wait()
}

// runTask 执行单个任务的完整闭环: 领取、调用能力、落账。
func (s *Scheduler) runTask(ctx context.Context, executable goal.ExecutableTask, policy capability.Policy) {
	g, task := executable.Goal, executable.Task

	claimed, err := s.manager.ClaimTask(ctx, g.ID, task.ID)
	if err != nil {
		if xerrors.CodeOf(err) == goal.CodeGoalConflict {
			return
		}
		if xerrors.CodeOf(err) == goal.CodeTaskExhausted {
			s.emitAlert(ctx, g, task, goal.CodeTaskExhausted, err)
			return
		}
		s.recordError(err)
		logger.L().Error("领取任务失败", slog.Any("error", err),
			slog.String("goal_id", g.ID), slog.String("task_id", task.ID))
		return
	}

	outcome := s.executor.Execute(ctx, claimed, policy)
	if outcome.Success {
		if err := s.manager.CompleteTask(ctx, g.ID, task.ID, outcome.Output()); err != nil {
			s.recordError(err)
			logger.L().Error("记录任务成功状态失败", slog.Any("error", err),
				slog.String("task_id", task.ID))
		}
		return
	}

	s.recordError(xerrors.New(xerrors.CodeCapabilityFailure, outcome.Error))
	if err := s.manager.FailTask(ctx, g.ID, task.ID, outcome.Error); err != nil {
		s.recordError(err)
		logger.L().Error("记录任务失败状态出错", slog.Any("error", err),
			slog.String("task_id", task.ID))
		return
	}
	// 重试耗尽的终态失败触发告警
	if claimed.Attempts >= claimed.MaxRetries {
		s.emitAlert(ctx, g, claimed, xerrors.CodeCapabilityFailure,
			xerrors.New(xerrors.CodeCapabilityFailure, outcome.Error))
	}
}

// reflectStage 复盘终态目标, 回馈策略权重, 并做周期趋势分析。
func (s *Scheduler) reflectStage(ctx context.Context) {
	goals, err := s.manager.List(ctx,
		goal.WithStatuses(goal.StatusCompleted, goal.StatusFailed),
		goal.WithLimit(50),
	)
	if err != nil {
		s.recordError(err)
		return
	}
	for _, g := range goals {
		if reflectedGoal(g) {
			continue
		}

		entry := s.reflector.Reflect(g)
		if strategy, ok := g.Metadata["strategy"].(string); ok {
			s.planner.Selector().Adapt(strategy, entry.Outcome == reflection.OutcomeSuccess)
		}

		if err := s.manager.MutateGoal(ctx, g.ID, func(target *goal.Goal) error {
			if target.Metadata == nil {
				target.Metadata = make(map[string]any)
			}
			target.Metadata["reflected"] = true
			return nil
		}); err != nil {
			s.recordError(err)
		}
	}
	s.reflector.AnalyzeTrend(time.Now())
	s.registry.CheckAll(ctx)
}

// reflectedGoal 判断目标是否已复盘。标记随目标一同持久化,
// 目标归档后标记随之离开活跃区, 调度器不保留额外账本。
func reflectedGoal(g *goal.Goal) bool {
	done, _ := g.Metadata["reflected"].(bool)
	return done
}

// archiveStage 归档已复盘的完成目标。失败目标留在活跃区供人工处置。
func (s *Scheduler) archiveStage(ctx context.Context) {
	goals, err := s.manager.List(ctx,
		goal.WithStatuses(goal.StatusCompleted),
		goal.WithLimit(50),
	)
	if err != nil {
		s.recordError(err)
		return
	}
	for _, g := range goals {
		if !reflectedGoal(g) {
			continue
		}
		if err := s.manager.ArchiveGoal(ctx, g.ID); err != nil {
			s.recordError(err)
		}
	}
}

// persistStage 持久化调度器记忆。持久化失败仅告警, 不中断循环。
func (s *Scheduler) persistStage(ctx context.Context) {
	if s.stateStore == nil {
		return
	}
	state := State{
		PerformanceMetrics: s.registry.PerformanceSnapshot(),
		StrategyWeights:    s.planner.Selector().WeightSnapshot(),
		LearningPatterns:   s.reflector.Patterns(),
		Preferences:        s.Preferences(),
		ContextTail:        s.tracker.History(20),
		SavedAt:            time.Now().Unix(),
	}
	if err := s.stateStore.Save(ctx, state); err != nil {
		logger.L().Warn("持久化调度器状态失败", slog.Any("error", err))
	}
}

// restoreState 从状态存储恢复上次运行的记忆。
func (s *Scheduler) restoreState(ctx context.Context) error {
	if s.stateStore == nil {
		return nil
	}
	state, err := s.stateStore.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.registry.RestorePerformance(state.PerformanceMetrics)
	s.planner.Selector().RestoreWeights(state.StrategyWeights)
	s.reflector.RestorePatterns(state.LearningPatterns)
	if len(state.Preferences) > 0 {
		s.mu.Lock()
		for key, value := range state.Preferences {
			s.preferences[key] = value
		}
		s.mu.Unlock()
	}
	logger.L().Info("已恢复调度器状态", slog.Int64("saved_at", state.SavedAt))
	return nil
}

// availableCategories 返回当前在线能力覆盖的类别。
func (s *Scheduler) availableCategories() []capability.Category {
	var categories []capability.Category
	seen := make(map[capability.Category]struct{})
	for _, desc := range s.registry.Describe() {
		if s.registry.Health(desc.Name) == capability.HealthOffline {
			continue
		}
		if _, ok := seen[desc.Category]; ok {
			continue
		}
		seen[desc.Category] = struct{}{}
		categories = append(categories, desc.Category)
	}
	return categories
}

// recordError 记录一次循环内错误, 供自主级别收紧判断。
func (s *Scheduler) recordError(err error) {
	if err == nil {
		return
	}
	s.errorCount.Add(1)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorTimes = append(s.errorTimes, now)
	s.pruneErrorsLocked(now)
}

func (s *Scheduler) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-errorWindow)
	kept := s.errorTimes[:0]
	for _, t := range s.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.errorTimes = kept
}

// RecentErrors 返回时间窗口内的错误数量。
func (s *Scheduler) RecentErrors() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneErrorsLocked(now)
	return len(s.errorTimes)
}

// EffectivePolicy 返回当前生效的自主策略。
// 近期错误超过阈值时收紧到最保守级别, 收紧一旦发生即锁存,
// 错误窗口滑出也不自动放开, 直到操作者调整策略或偏好。
func (s *Scheduler) EffectivePolicy() capability.Policy {
	errors := s.RecentErrors()
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors > errorThreshold && !s.restricted {
		s.restricted = true
		s.preferences["autonomy_level"] = string(capability.AutonomyManual)
		logger.L().Warn("近期错误超过阈值, 自主级别收紧到 manual",
			slog.Int("recent_errors", errors))
	}
	policy := s.basePolicy
	if s.restricted {
		return policy.Restrict(capability.AutonomyManual)
	}
	return policy
}

// SetPolicy 更新基础自主策略, 同时解除错误收紧锁存。
func (s *Scheduler) SetPolicy(policy capability.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basePolicy = policy
	s.restricted = false
}

// Preferences 返回偏好设置的副本。
func (s *Scheduler) Preferences() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]any, len(s.preferences))
	for key, value := range s.preferences {
		snapshot[key] = value
	}
	return snapshot
}

// UpdatePreferences 合并偏好设置。autonomy_level 偏好同步更新基础策略。
func (s *Scheduler) UpdatePreferences(prefs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range prefs {
		s.preferences[key] = value
		if key == "autonomy_level" {
			if level, ok := value.(string); ok && capability.IsValidAutonomyLevel(capability.AutonomyLevel(level)) {
				s.basePolicy.Level = capability.AutonomyLevel(level)
				s.restricted = false
			}
		}
	}
}

// emitAlert 按终态失败事件派发告警。
func (s *Scheduler) emitAlert(ctx context.Context, g *goal.Goal, task *goal.Task, code xerrors.Code, cause error) {
	if s.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		GoalID:     g.ID,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("goal_id", g.ID),
			slog.String("task_id", task.ID),
		)
	}
}
