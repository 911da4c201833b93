package agent

import (
	"context"
	"log/slog"
	"time"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/intake"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/scheduler"
	"NovaPilot/internal/situation"
	"NovaPilot/pkg/logger"
)

// GoalRequest 描述提交目标所需的输入。
type GoalRequest struct {
	Description string         `json:"description"`
	Priority    string         `json:"priority,omitempty"`
	TemplateID  string         `json:"template_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CapabilityStatus 汇总单个能力的描述、健康度与调用统计。
type CapabilityStatus struct {
	Descriptor  capability.Descriptor  `json:"descriptor"`
	Health      capability.HealthState `json:"health"`
	Reliability float64                `json:"reliability"`
	Performance capability.PerfRecord  `json:"performance"`
}

// Status 是智能体的整体运行快照。
type Status struct {
	Goals        goal.Stats         `json:"goals"`
	Capabilities []CapabilityStatus `json:"capabilities"`
	Trend        reflection.Trend   `json:"trend"`
	RecentErrors int                `json:"recent_errors"`
	Autonomy     string             `json:"autonomy"`
	Preferences  map[string]any     `json:"preferences"`
	Situation    map[string]any     `json:"situation"`
}

// defaultExecuteWait 是同步执行时两轮循环之间的等待时长。
const defaultExecuteWait = 20 * time.Millisecond

// Agent 聚合目标管理器与调度器, 是对外 API 的唯一入口。
type Agent struct {
	manager   *goal.Manager
	scheduler *scheduler.Scheduler
	registry  *capability.Registry
	tracker   *situation.Tracker
	reflector *reflection.Engine
	producer  intake.Producer

	executeWait time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithIntakeProducer 配置目标接入队列的生产端。
// 配置后新目标通过队列异步送达调度器。
func WithIntakeProducer(producer intake.Producer) Option {
	return func(a *Agent) { a.producer = producer }
}

// WithExecuteWait 设置同步执行时轮次之间的等待时长。
func WithExecuteWait(wait time.Duration) Option {
	return func(a *Agent) {
		if wait > 0 {
			a.executeWait = wait
		}
	}
}

// New 创建智能体门面。
func New(
	manager *goal.Manager,
	sched *scheduler.Scheduler,
	registry *capability.Registry,
	tracker *situation.Tracker,
	reflector *reflection.Engine,
	opts ...Option,
) *Agent {
	a := &Agent{
		manager:     manager,
		scheduler:   sched,
		registry:    registry,
		tracker:     tracker,
		reflector:   reflector,
		executeWait: defaultExecuteWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// AddGoal 创建目标并投递到接入队列。未配置队列时目标保持 pending,
// 由调度循环兜底接纳。
func (a *Agent) AddGoal(ctx context.Context, req GoalRequest) (*goal.Goal, error) {
	g, err := a.manager.CreateGoal(ctx, goal.CreateRequest{
		Description: req.Description,
		Priority:    goal.Priority(req.Priority),
		TemplateID:  req.TemplateID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if a.producer != nil {
		if err := a.producer.Publish(ctx, g.ID); err != nil {
			// 投递失败不影响目标创建, 调度循环会兜底接纳
			logger.L().Warn("目标投递接入队列失败",
				slog.Any("error", err),
				slog.String("goal_id", g.ID),
			)
		}
	}
	return g, nil
}

// GetGoal 返回指定目标。活跃区不存在时回查历史区。
func (a *Agent) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	g, err := a.manager.Get(ctx, id)
	if err == nil {
		return g, nil
	}
	if !goal.IsNotFound(err) {
		return nil, err
	}
	archived, archErr := a.manager.ListArchived(ctx)
	if archErr != nil {
		return nil, err
	}
	for _, candidate := range archived {
		if candidate.ID == id {
			return candidate, nil
		}
	}
	return nil, err
}

// ListGoals 返回符合过滤条件的目标列表。
func (a *Agent) ListGoals(ctx context.Context, opts ...goal.ListOption) ([]*goal.Goal, error) {
	return a.manager.List(ctx, opts...)
}

// Progress 返回目标的进度信息。
func (a *Agent) Progress(ctx context.Context, id string) (goal.Progress, error) {
	return a.manager.Progress(ctx, id)
}

// ExecuteGoal 同步驱动调度循环直至目标进入终态。
// 截止时间由调用方通过 ctx 控制。
func (a *Agent) ExecuteGoal(ctx context.Context, id string) (*goal.Goal, error) {
	if _, err := a.manager.Get(ctx, id); err != nil {
		if goal.IsNotFound(err) {
			if g, archErr := a.GetGoal(ctx, id); archErr == nil {
				return g, nil
			}
		}
		return nil, err
	}

	for {
		a.scheduler.Tick(ctx)

		g, err := a.GetGoal(ctx, id)
		if err != nil {
			return nil, err
		}
		switch g.Status {
		case goal.StatusCompleted, goal.StatusFailed:
			return g, nil
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "目标执行超时: "+id)
		case <-time.After(a.executeWait):
		}
	}
}

// Status 汇总智能体当前的运行状态。
func (a *Agent) Status(ctx context.Context) (Status, error) {
	stats, err := a.manager.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	descriptors := a.registry.Describe()
	capabilities := make([]CapabilityStatus, 0, len(descriptors))
	for _, desc := range descriptors {
		record, _ := a.registry.Performance(desc.Name)
		capabilities = append(capabilities, CapabilityStatus{
			Descriptor:  desc,
			Health:      a.registry.Health(desc.Name),
			Reliability: a.registry.Reliability(desc.Name),
			Performance: record,
		})
	}

	return Status{
		Goals:        stats,
		Capabilities: capabilities,
		Trend:        a.reflector.AnalyzeTrend(time.Now()),
		RecentErrors: a.scheduler.RecentErrors(),
		Autonomy:     string(a.scheduler.EffectivePolicy().Level),
		Preferences:  a.scheduler.Preferences(),
		Situation:    a.tracker.State(),
	}, nil
}

// Reflections 返回最近的复盘记录。
func (a *Agent) Reflections(limit int) []reflection.Entry {
	return a.reflector.History(limit)
}

// UpdatePreferences 合并用户偏好并同步到调度器。
func (a *Agent) UpdatePreferences(prefs map[string]any) {
	a.scheduler.UpdatePreferences(prefs)
}

// Preferences 返回当前偏好设置。
func (a *Agent) Preferences() map[string]any {
	return a.scheduler.Preferences()
}

// Close 释放门面持有的资源。
func (a *Agent) Close() error {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.L().Warn("关闭接入队列失败", slog.Any("error", err))
		}
	}
	return a.manager.Close()
}
