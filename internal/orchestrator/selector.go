// Package orchestrator 负责为任务挑选能力并按执行形态驱动调用。
package orchestrator

import (
	"sort"

	"NovaPilot/internal/capability"
)

// Selection 是选择器对单个能力的评估结果。
type Selection struct {
	Descriptor capability.Descriptor `json:"descriptor"`
	Relevance  float64               `json:"relevance"`
	Fitness    float64               `json:"fitness"`
}

// 选择器参数。
const (
	// minRelevance 低于该相关度的能力直接出局。
	minRelevance = 0.3
	// maxSelections 单个任务最多绑定的能力数。
	maxSelections = 5
	// complexityBudget 单个任务可承受的能力复杂度总预算。
	complexityBudget = 15
	// maxPerCategory 同类能力最多选择一个, 保证组合多样性。
	// system 类是例外, 不受该约束。
	maxPerCategory = 1
)

// relevanceTable 将任务类型映射到各能力类别的相关度。
var relevanceTable = map[string]map[capability.Category]float64{
	"research": {
		capability.CategorySearch:    1.0,
		capability.CategoryKnowledge: 0.9,
		capability.CategoryReasoning: 0.5,
		capability.CategoryChain:     0.4,
	},
	"analysis": {
		capability.CategoryReasoning: 1.0,
		capability.CategoryKnowledge: 0.6,
		capability.CategorySystem:    0.4,
	},
	"verification": {
		capability.CategoryReasoning: 0.8,
		capability.CategoryKnowledge: 0.7,
		capability.CategorySystem:    0.5,
		capability.CategoryChain:     0.5,
	},
	"creation": {
		capability.CategoryReasoning: 1.0,
		capability.CategoryKnowledge: 0.4,
	},
	"voice": {
		capability.CategoryVoice:     1.0,
		capability.CategoryReasoning: 0.4,
	},
	"communication": {
		capability.CategoryCommunication: 1.0,
		capability.CategoryVoice:         0.6,
		capability.CategoryReasoning:     0.4,
	},
	"monitoring": {
		capability.CategorySystem: 1.0,
		capability.CategoryChain:  0.6,
	},
	"execution": {
		capability.CategoryReasoning: 0.6,
		capability.CategorySystem:    0.5,
		capability.CategoryChain:     0.5,
	},
}

// relevanceFor 返回任务类型与能力类别的相关度, 未知组合返回 0。
func relevanceFor(taskType string, category capability.Category) float64 {
	table, ok := relevanceTable[taskType]
	if !ok {
		// 未知任务类型退化为通用推理优先
		if category == capability.CategoryReasoning {
			return 0.6
		}
		if category == capability.CategoryKnowledge {
			return 0.4
		}
		return 0
	}
	return table[category]
}

// Selector 依据相关度、可靠度与历史表现为任务挑选能力组合。
type Selector struct {
	registry *capability.Registry
}

// NewSelector 创建能力选择器。
func NewSelector(registry *capability.Registry) *Selector {
	return &Selector{registry: registry}
}

// TaskProfile 描述选择器评估所需的任务属性。
type TaskProfile struct {
	Type        string
	Description string
	EstimatedMS int64
}

// Select 为任务挑选能力组合: 先按相关度过滤, 再按综合适配度排序,
// 最后在复杂度预算与类别多样性约束下贪心选取。
// 综合适配度 = 0.4*相关度 + 0.3*可靠度 + 0.2*历史成功率 + 0.1*上下文契合。
func (s *Selector) Select(task TaskProfile, policy capability.Policy) []Selection {
	if s.registry == nil {
		return nil
	}

	candidates := make([]Selection, 0, 8)
	for _, desc := range s.registry.Describe() {
		relevance := relevanceFor(task.Type, desc.Category)
		if relevance <= minRelevance {
			continue
		}
		if err := policy.Validate(desc); err != nil {
			continue
		}

		reliability := s.registry.Reliability(desc.Name)
		if reliability == 0 {
			continue
		}

		history := 0.5
		if record, ok := s.registry.Performance(desc.Name); ok && record.Invocations > 0 {
			history = record.SuccessRate
		}

		fitness := 0.4*relevance + 0.3*reliability + 0.2*history + 0.1*contextFit(task, desc)
		candidates = append(candidates, Selection{
			Descriptor: desc,
			Relevance:  relevance,
			Fitness:    fitness,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Fitness > candidates[j].Fitness
	})

	selected := make([]Selection, 0, maxSelections)
	budget := complexityBudget
	perCategory := make(map[capability.Category]int)
	for _, candidate := range candidates {
		if len(selected) >= maxSelections {
			break
		}
		if candidate.Descriptor.Complexity > budget {
			continue
		}
		if candidate.Descriptor.Category != capability.CategorySystem &&
			perCategory[candidate.Descriptor.Category] >= maxPerCategory {
			continue
		}
		selected = append(selected, candidate)
		budget -= candidate.Descriptor.Complexity
		perCategory[candidate.Descriptor.Category]++
	}
	return selected
}

// contextFit 评估能力与任务上下文的契合度:
// 短任务偏好低延迟能力, 长任务容忍慢速能力。
func contextFit(task TaskProfile, desc capability.Descriptor) float64 {
	shortTask := task.EstimatedMS > 0 && task.EstimatedMS <= 30_000
	switch desc.Latency {
	case capability.LatencyFast:
		return 1.0
	case capability.LatencyMedium:
		return 0.7
	case capability.LatencySlow:
		if shortTask {
			return 0.2
		}
		return 0.6
	default:
		return 0.5
	}
}
