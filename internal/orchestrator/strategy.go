package orchestrator

import (
	"strings"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
)

// Shape 表示一组能力调用的执行形态。
type Shape string

const (
	// ShapeSequential 能力逐个调用, 关键失败即中止。
	ShapeSequential Shape = "sequential"
	// ShapeParallel 所有能力并发调用, 收齐全部结果后再判定成败。
	ShapeParallel Shape = "parallel"
	// ShapeConditional 存在运行期门控分支, 逐个判定后调用。
	ShapeConditional Shape = "conditional"
	// ShapeHybrid 依赖分组间有序推进, 组内并发。
	ShapeHybrid Shape = "hybrid"
)

// Chain 是对选中能力集的编排结果。Groups 按依赖顺序排列,
// 同组能力互不依赖, 可以并发调用。
type Chain struct {
	Shape  Shape
	Groups [][]Selection
}

// BuildChain 依据能力间声明的依赖与门控类别推导执行形态:
// 全部独立且无门控为 parallel, 全部独立但含门控为 conditional,
// 依赖分层为 hybrid, 单能力与纯链式退化为 sequential。
func BuildChain(selections []Selection) Chain {
	groups := groupByDependency(selections)

	gated := false
	for _, selection := range selections {
		if _, ok := gatedCategories[selection.Descriptor.Category]; ok {
			gated = true
			break
		}
	}

	var shape Shape
	switch {
	case len(selections) <= 1:
		shape = ShapeSequential
	case len(groups) == 1 && gated:
		shape = ShapeConditional
	case len(groups) == 1:
		shape = ShapeParallel
	case gated || widest(groups) > 1:
		shape = ShapeHybrid
	default:
		// 纯链式依赖
		shape = ShapeSequential
	}
	return Chain{Shape: shape, Groups: groups}
}

// groupByDependency 将选中能力按声明依赖分层。
// 指向未入选能力的依赖视为已满足; 循环依赖退化为逐个一组。
func groupByDependency(selections []Selection) [][]Selection {
	if len(selections) == 0 {
		return nil
	}

	selected := make(map[string]struct{}, len(selections))
	for _, selection := range selections {
		selected[selection.Descriptor.Name] = struct{}{}
	}

	resolved := make(map[string]struct{}, len(selections))
	placed := make(map[string]struct{}, len(selections))

	var groups [][]Selection
	for len(placed) < len(selections) {
		var group []Selection
		for _, selection := range selections {
			name := selection.Descriptor.Name
			if _, ok := placed[name]; ok {
				continue
			}
			ready := true
			for _, dep := range selection.Descriptor.DependsOn {
				if _, within := selected[dep]; !within {
					continue
				}
				if _, done := resolved[dep]; !done {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, selection)
			}
		}
		if len(group) == 0 {
			for _, selection := range selections {
				if _, ok := placed[selection.Descriptor.Name]; !ok {
					groups = append(groups, []Selection{selection})
				}
			}
			return groups
		}
		for _, selection := range group {
			placed[selection.Descriptor.Name] = struct{}{}
			resolved[selection.Descriptor.Name] = struct{}{}
		}
		groups = append(groups, group)
	}
	return groups
}

// flatten 按分组顺序展开为单一序列。
func flatten(groups [][]Selection) []Selection {
	var ordered []Selection
	for _, group := range groups {
		ordered = append(ordered, group...)
	}
	return ordered
}

func widest(groups [][]Selection) int {
	max := 0
	for _, group := range groups {
		if len(group) > max {
			max = len(group)
		}
	}
	return max
}

// gatedCategories 列出调用前需要运行期判定的能力类别。
var gatedCategories = map[capability.Category]struct{}{
	capability.CategoryVoice: {},
}

// voiceGateKeywords 任务明确要求语音产出时语音门控才放行。
var voiceGateKeywords = []string{"voice", "speak", "say", "语音", "播报"}

// gateOpen 判定门控能力是否应被调用。非门控类别恒为放行。
func gateOpen(task *goal.Task, desc capability.Descriptor) bool {
	if _, ok := gatedCategories[desc.Category]; !ok {
		return true
	}
	lowered := strings.ToLower(task.Type + " " + task.Description)
	for _, keyword := range voiceGateKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
