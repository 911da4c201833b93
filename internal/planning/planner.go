package planning

import (
	"math"
	"time"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
	"NovaPilot/internal/goal"
)

// Contingency 描述任务的应急预案。
type Contingency struct {
	// Trigger 是触发条件: timeout 或 failure。
	Trigger string `json:"trigger"`
	// Action 是触发后的处置动作。
	Action string `json:"action"`
}

// TaskPlan 记录计划对单个任务的编排决策。
type TaskPlan struct {
	TaskID        string        `json:"task_id"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Contingencies []Contingency `json:"contingencies,omitempty"`
}

// Plan 是针对单个目标的完整执行计划。
type Plan struct {
	GoalID      string     `json:"goal_id"`
	Strategy    string     `json:"strategy"`
	Class       GoalClass  `json:"class"`
	Complexity  Complexity `json:"complexity"`
	Tasks       []TaskPlan `json:"tasks"`
	Confidence  float64    `json:"confidence"`
	RiskFactors []string   `json:"risk_factors,omitempty"`
	CreatedAt   int64      `json:"created_at"`
}

// 触发应急预案的阈值。
const (
	// longTaskThresholdMS 超过该预估耗时的任务附加超时预案。
	longTaskThresholdMS = 60_000
)

// Planner 将目标分析与策略选择组合为可落地的执行计划。
type Planner struct {
	analyzer *Analyzer
	selector *Selector
}

// NewPlanner 创建计划引擎。
func NewPlanner(analyzer *Analyzer, selector *Selector) *Planner {
	if analyzer == nil {
		analyzer = NewAnalyzer(nil)
	}
	if selector == nil {
		selector = NewSelector(nil)
	}
	return &Planner{analyzer: analyzer, selector: selector}
}

// Selector 返回计划引擎持有的策略选择器。
func (p *Planner) Selector() *Selector {
	return p.selector
}

// BuildPlan 为目标生成执行计划: 分析目标、选定策略、
// 按策略重排任务依赖并附加应急预案。
func (p *Planner) BuildPlan(g *goal.Goal, available []capability.Category) (*Plan, error) {
	if g == nil {
		return nil, xerrors.New(xerrors.CodePlanningFailure, "无法为空目标生成计划")
	}
	if len(g.Tasks) == 0 {
		return nil, xerrors.New(xerrors.CodePlanningFailure, "目标没有可编排的任务: "+g.ID)
	}

	pending := 0
	for _, task := range g.Tasks {
		if task.Status == goal.TaskPending || task.Status == goal.TaskRetrying {
			pending++
		}
	}
	analysis := p.analyzer.AnalyzeInput(Input{
		Description:  g.Description,
		Priority:     g.Priority,
		PendingTasks: pending,
	})
	strategy := p.selector.Select(analysis, available)

	plan := &Plan{
		GoalID:      g.ID,
		Strategy:    strategy.Name,
		Class:       analysis.Class,
		Complexity:  analysis.Complexity,
		RiskFactors: analysis.RiskFactors,
		CreatedAt:   time.Now().Unix(),
	}
	plan.Tasks = wireDependencies(g, strategy.Name)
	attachContingencies(g, plan)
	plan.Confidence = confidence(analysis, strategy, available)
	return plan, nil
}

// wireDependencies 按策略为任务集生成依赖关系。
func wireDependencies(g *goal.Goal, strategy string) []TaskPlan {
	plans := make([]TaskPlan, len(g.Tasks))
	for i, task := range g.Tasks {
		plans[i] = TaskPlan{TaskID: task.ID}
	}

	switch strategy {
	case StrategyParallel:
		// 中间任务互不依赖, 最后一个任务等待全部前序完成
		if len(plans) > 1 {
			last := len(plans) - 1
			for i := 0; i < last; i++ {
				plans[last].DependsOn = append(plans[last].DependsOn, plans[i].TaskID)
			}
		}
	case StrategyResearchFirst:
		// 其余任务都依赖首个检索任务, 检索之后保持原有链式顺序
		for i := 1; i < len(plans); i++ {
			plans[i].DependsOn = append(plans[i].DependsOn, plans[0].TaskID)
			if i > 1 {
				plans[i].DependsOn = append(plans[i].DependsOn, plans[i-1].TaskID)
			}
		}
	default:
		// sequential 与 adaptive 均为链式推进
		for i := 1; i < len(plans); i++ {
			plans[i].DependsOn = []string{plans[i-1].TaskID}
		}
	}
	return plans
}

// attachContingencies 按任务属性附加应急预案。
func attachContingencies(g *goal.Goal, plan *Plan) {
	index := g.TaskIndex()
	for i := range plan.Tasks {
		task, ok := index[plan.Tasks[i].TaskID]
		if !ok {
			continue
		}
		if task.EstimatedMS > longTaskThresholdMS {
			plan.Tasks[i].Contingencies = append(plan.Tasks[i].Contingencies, Contingency{
				Trigger: "timeout",
				Action:  "retry_with_backoff",
			})
		}
		if task.Priority.Weight() >= goal.PriorityHigh.Weight() {
			plan.Tasks[i].Contingencies = append(plan.Tasks[i].Contingencies,
				Contingency{Trigger: "failure", Action: "escalate"},
				Contingency{Trigger: "failure", Action: "try_alternative_capability"},
			)
		}
	}
}

// confidence 估算计划置信度: 基础 0.5, 分类明确 +0.2,
// 无风险因素 +0.2, 策略前置能力齐备 +0.1, 上限 1.0。
// 结果保留两位小数, 避免浮点累加误差泄漏到对外数值。
func confidence(analysis Analysis, strategy Strategy, available []capability.Category) float64 {
	score := 0.5
	if analysis.Class != ClassGeneral {
		score += 0.2
	}
	if len(analysis.RiskFactors) == 0 {
		score += 0.2
	}
	prereqsMet := true
	for _, prereq := range strategy.Prerequisites {
		found := false
		for _, category := range available {
			if category == prereq {
				found = true
				break
			}
		}
		if !found {
			prereqsMet = false
			break
		}
	}
	if prereqsMet {
		score += 0.1
	}
	score = math.Round(score*100) / 100
	if score > 1 {
		score = 1
	}
	return score
}

// Apply 将计划的依赖编排写回目标任务。调用方负责持久化。
func Apply(g *goal.Goal, plan *Plan) {
	if g == nil || plan == nil {
		return
	}
	index := g.TaskIndex()
	for _, taskPlan := range plan.Tasks {
		if task, ok := index[taskPlan.TaskID]; ok {
			task.DependsOn = append([]string(nil), taskPlan.DependsOn...)
		}
	}
}
