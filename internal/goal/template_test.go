package goal

import "testing"

func TestClassifierMatchesOrderedRules(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		description  string
		wantCategory string
		wantTasks    int
	}{
		{"Research quantum computing basics", "research", 3},
		{"请用语音播报今天的天气", "communication", 2},
		{"search for the latest release notes", "research", 2},
		{"help me draft an email", "general", 2},
		{"完全无关的描述文本", "general", 3},
	}
	for _, tc := range cases {
		got := c.Classify(tc.description)
		if got.Category != tc.wantCategory {
			t.Fatalf("%q 分类错误: got %q want %q", tc.description, got.Category, tc.wantCategory)
		}
		if len(got.Tasks) != tc.wantTasks {
			t.Fatalf("%q 任务数量错误: got %d want %d", tc.description, len(got.Tasks), tc.wantTasks)
		}
	}
}

func TestClassifierRuleOrderWins(t *testing.T) {
	// "research" 与 "search" 同时命中时, 先声明的 learn/research 规则优先
	got := NewClassifier(nil).Classify("research and search the archive")
	if len(got.Tasks) != 3 {
		t.Fatalf("应命中 research 规则的 3 任务列表, got %d", len(got.Tasks))
	}
	if got.Category != "research" {
		t.Fatalf("分类错误: %q", got.Category)
	}
}

func TestBuiltinTemplateDependencyIndices(t *testing.T) {
	for id, template := range BuiltinTemplates() {
		for i, task := range template.Tasks {
			for _, dep := range task.DependsOn {
				if dep < 0 || dep >= i {
					t.Fatalf("模板 %s 任务 %d 的依赖下标越界: %d", id, i, dep)
				}
			}
		}
	}
}

func TestPriorityWeights(t *testing.T) {
	weights := map[Priority]int{
		PriorityCritical: 4,
		PriorityHigh:     3,
		PriorityMedium:   2,
		PriorityLow:      1,
	}
	for p, want := range weights {
		if got := p.Weight(); got != want {
			t.Fatalf("优先级 %s 权重错误: got %d want %d", p, got, want)
		}
	}
	if Priority("urgent").Weight() != 0 {
		t.Fatal("未知优先级权重应为 0")
	}
}
