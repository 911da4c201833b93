package capability

import (
	"slices"

	xerrors "NovaPilot/internal/errors"
)

// AutonomyLevel 表示智能体自主执行的授权级别。
type AutonomyLevel string

const (
	// AutonomyManual 仅允许只读类能力, 其余调用一律拒绝。
	AutonomyManual AutonomyLevel = "manual"
	// AutonomySupervised 允许常规能力, 拒绝策略中显式列出的类别。
	AutonomySupervised AutonomyLevel = "supervised"
	// AutonomyFull 允许全部已注册能力。
	AutonomyFull AutonomyLevel = "full"
)

// rank 返回授权级别的序数, manual 最低。
func (l AutonomyLevel) rank() int {
	switch l {
	case AutonomyManual:
		return 0
	case AutonomySupervised:
		return 1
	case AutonomyFull:
		return 2
	default:
		return 1
	}
}

// IsValidAutonomyLevel 检查授权级别是否为支持的枚举值。
func IsValidAutonomyLevel(l AutonomyLevel) bool {
	switch l {
	case AutonomyManual, AutonomySupervised, AutonomyFull:
		return true
	default:
		return false
	}
}

// MostRestrictive 返回两个授权级别中更保守的一个。
func MostRestrictive(a, b AutonomyLevel) AutonomyLevel {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// Policy 约束智能体在当前授权级别下可调用的能力类别。
type Policy struct {
	Level             AutonomyLevel `json:"level"`
	AllowedCategories []Category    `json:"allowed_categories,omitempty"`
	DeniedCategories  []Category    `json:"denied_categories,omitempty"`
}

// DefaultPolicy 返回 supervised 级别的默认策略。
func DefaultPolicy() Policy {
	return Policy{Level: AutonomySupervised}
}

// manualReadOnly 是 manual 级别下仍然放行的只读类别。
var manualReadOnly = []Category{CategorySearch, CategoryKnowledge, CategorySystem}

// Validate 判断给定能力在当前策略下是否允许调用。
func (p Policy) Validate(desc Descriptor) error {
	if slices.Contains(p.DeniedCategories, desc.Category) {
		return xerrors.New(CodeCapabilityDenied,
			"能力类别被策略显式拒绝: "+string(desc.Category),
			xerrors.WithMetadata("capability", desc.Name),
		)
	}

	switch p.Level {
	case AutonomyManual:
		if !slices.Contains(manualReadOnly, desc.Category) {
			return xerrors.New(CodeCapabilityDenied,
				"manual 级别仅允许只读能力: "+desc.Name,
				xerrors.WithMetadata("capability", desc.Name),
			)
		}
	case AutonomyFull:
		return nil
	}

	if len(p.AllowedCategories) > 0 && !slices.Contains(p.AllowedCategories, desc.Category) {
		return xerrors.New(CodeCapabilityDenied,
			"能力类别不在允许列表内: "+string(desc.Category),
			xerrors.WithMetadata("capability", desc.Name),
		)
	}
	return nil
}

// Restrict 返回将授权级别收紧到至多 level 的策略副本。
func (p Policy) Restrict(level AutonomyLevel) Policy {
	restricted := p
	restricted.Level = MostRestrictive(p.Level, level)
	return restricted
}
