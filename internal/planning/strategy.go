package planning

import (
	"slices"
	"sync"

	"NovaPilot/internal/capability"
)

// Strategy 描述一种任务编排策略。
type Strategy struct {
	Name        string
	Description string
	// BaseScore 是未经加成的基础得分。
	BaseScore float64
	// SuitedClasses 列出该策略擅长的目标大类。
	SuitedClasses []GoalClass
	// SuitedComplexity 列出该策略擅长的复杂度档位。
	SuitedComplexity []Complexity
	// Prerequisites 列出策略生效所需的能力类别。
	Prerequisites []capability.Category
	// LowRisk 标记该策略在高风险目标下是否优先。
	LowRisk bool
}

const (
	StrategySequential    = "sequential"
	StrategyParallel      = "parallel"
	StrategyAdaptive      = "adaptive"
	StrategyResearchFirst = "research_first"
)

// Catalog 返回内置策略目录。
func Catalog() []Strategy {
	return []Strategy{
		{
			Name:             StrategySequential,
			Description:      "任务按声明顺序串行执行, 前序失败则停止",
			BaseScore:        0.5,
			SuitedComplexity: []Complexity{ComplexitySimple},
			LowRisk:          true,
		},
		{
			Name:             StrategyParallel,
			Description:      "无依赖任务并发执行, 末尾汇总",
			BaseScore:        0.55,
			SuitedClasses:    []GoalClass{ClassAnalysis, ClassOptimization},
			SuitedComplexity: []Complexity{ComplexityComplex},
		},
		{
			Name:             StrategyAdaptive,
			Description:      "串行推进并在检查点根据结果调整后续任务",
			BaseScore:        0.5,
			SuitedClasses:    []GoalClass{ClassGeneral, ClassCreation},
			SuitedComplexity: []Complexity{ComplexityModerate, ComplexityComplex},
		},
		{
			Name:             StrategyResearchFirst,
			Description:      "先行检索铺垫, 其余任务依赖检索产出",
			BaseScore:        0.6,
			SuitedClasses:    []GoalClass{ClassResearch},
			Prerequisites:    []capability.Category{capability.CategoryKnowledge},
			SuitedComplexity: []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex},
		},
	}
}

// 评分加成与惩罚常量。
const (
	classBonus           = 0.2
	complexityBonus      = 0.15
	missingPrereqPenalty = 0.25
	// manyRiskFactors 风险因素达到该数量时偏向低风险策略。
	manyRiskFactors = 2
	lowRiskBonus    = 0.15
	riskPenalty     = 0.1

	minStrategyWeight = 0.5
	maxStrategyWeight = 2.0
)

// Selector 基于分析结果与历史表现为目标挑选策略。
// 权重随执行反馈自适应调整, 并被钳制在 [0.5, 2] 区间内。
type Selector struct {
	mu      sync.RWMutex
	catalog []Strategy
	weights map[string]float64
}

// NewSelector 创建策略选择器。catalog 为空时使用内置目录。
func NewSelector(catalog []Strategy) *Selector {
	if len(catalog) == 0 {
		catalog = Catalog()
	}
	weights := make(map[string]float64, len(catalog))
	for _, strategy := range catalog {
		weights[strategy.Name] = 1.0
	}
	return &Selector{catalog: catalog, weights: weights}
}

// Score 计算策略在给定分析结果与可用能力下的得分。
func (s *Selector) Score(strategy Strategy, analysis Analysis, available []capability.Category) float64 {
	score := strategy.BaseScore
	if slices.Contains(strategy.SuitedClasses, analysis.Class) {
		score += classBonus
	}
	if slices.Contains(strategy.SuitedComplexity, analysis.Complexity) {
		score += complexityBonus
	}
	for _, prereq := range strategy.Prerequisites {
		if !slices.Contains(available, prereq) {
			score -= missingPrereqPenalty
		}
	}
	// 风险因素聚集时向低风险策略倾斜
	if len(analysis.RiskFactors) >= manyRiskFactors {
		if strategy.LowRisk {
			score += lowRiskBonus
		} else {
			score -= riskPenalty * float64(len(analysis.RiskFactors))
		}
	}

	s.mu.RLock()
	weight, ok := s.weights[strategy.Name]
	s.mu.RUnlock()
	if !ok {
		weight = 1.0
	}
	score *= weight
	if score < 0 {
		return 0
	}
	return score
}

// Select 返回得分最高的策略。目录为空时回退到串行策略。
func (s *Selector) Select(analysis Analysis, available []capability.Category) Strategy {
	var best Strategy
	bestScore := -1.0
	for _, strategy := range s.catalog {
		score := s.Score(strategy, analysis, available)
		if score > bestScore {
			best = strategy
			bestScore = score
		}
	}
	if bestScore < 0 {
		return Strategy{Name: StrategySequential}
	}
	return best
}

// Adapt 根据执行结果微调策略权重。
// 成功上调 10%, 失败下调 10%, 始终钳制在 [0.5, 2]。
func (s *Selector) Adapt(name string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	weight, ok := s.weights[name]
	if !ok {
		weight = 1.0
	}
	if success {
		weight *= 1.1
	} else {
		weight *= 0.9
	}
	if weight < minStrategyWeight {
		weight = minStrategyWeight
	}
	if weight > maxStrategyWeight {
		weight = maxStrategyWeight
	}
	s.weights[name] = weight
}

// Weight 返回策略当前的自适应权重。
func (s *Selector) Weight(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	weight, ok := s.weights[name]
	if !ok {
		return 1.0
	}
	return weight
}

// WeightSnapshot 返回全部策略权重的副本, 供状态持久化使用。
func (s *Selector) WeightSnapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]float64, len(s.weights))
	for name, weight := range s.weights {
		snapshot[name] = weight
	}
	return snapshot
}

// RestoreWeights 以快照覆盖策略权重, 用于进程重启后的状态恢复。
func (s *Selector) RestoreWeights(snapshot map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, weight := range snapshot {
		if weight < minStrategyWeight {
			weight = minStrategyWeight
		}
		if weight > maxStrategyWeight {
			weight = maxStrategyWeight
		}
		s.weights[name] = weight
	}
}
