package capability

import "testing"

func TestPolicyManualAllowsReadOnly(t *testing.T) {
	policy := Policy{Level: AutonomyManual}

	if err := policy.Validate(Descriptor{Name: "kb", Category: CategoryKnowledge}); err != nil {
		t.Fatalf("manual 级别应放行只读能力: %v", err)
	}
	if err := policy.Validate(Descriptor{Name: "tx", Category: CategoryChain}); err == nil {
		t.Fatal("manual 级别应拒绝链上能力")
	}
}

func TestPolicyDeniedCategoriesWin(t *testing.T) {
	policy := Policy{
		Level:            AutonomyFull,
		DeniedCategories: []Category{CategoryVoice},
	}
	if err := policy.Validate(Descriptor{Name: "tts", Category: CategoryVoice}); err == nil {
		t.Fatal("显式拒绝的类别即便在 full 级别下也应被拦截")
	}
	if err := policy.Validate(Descriptor{Name: "kb", Category: CategoryKnowledge}); err != nil {
		t.Fatalf("未被拒绝的类别应放行: %v", err)
	}
}

func TestPolicyAllowListUnderSupervised(t *testing.T) {
	policy := Policy{
		Level:             AutonomySupervised,
		AllowedCategories: []Category{CategorySearch},
	}
	if err := policy.Validate(Descriptor{Name: "search", Category: CategorySearch}); err != nil {
		t.Fatalf("允许列表内的类别应放行: %v", err)
	}
	if err := policy.Validate(Descriptor{Name: "reason", Category: CategoryReasoning}); err == nil {
		t.Fatal("允许列表外的类别应被拒绝")
	}
}

func TestMostRestrictive(t *testing.T) {
	if got := MostRestrictive(AutonomyFull, AutonomyManual); got != AutonomyManual {
		t.Fatalf("应返回更保守的级别, got %s", got)
	}
	if got := MostRestrictive(AutonomySupervised, AutonomyFull); got != AutonomySupervised {
		t.Fatalf("应返回更保守的级别, got %s", got)
	}
}

func TestPolicyRestrict(t *testing.T) {
	policy := Policy{Level: AutonomyFull}
	restricted := policy.Restrict(AutonomyManual)
	if restricted.Level != AutonomyManual {
		t.Fatalf("收紧后级别错误: %s", restricted.Level)
	}
	// 原策略不受影响
	if policy.Level != AutonomyFull {
		t.Fatalf("原策略被修改: %s", policy.Level)
	}
}
