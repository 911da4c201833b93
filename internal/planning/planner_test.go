package planning

import (
	"testing"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
)

func TestAnalyzeClassifiesResearch(t *testing.T) {
	a := NewAnalyzer(nil)

	analysis := a.Analyze("Research quantum computing basics")
	if analysis.Class != ClassResearch {
		t.Fatalf("分类错误: got %s want research", analysis.Class)
	}
	if analysis.Complexity == "" {
		t.Fatal("复杂度未评估")
	}
}

func TestAnalyzeComplexityTiers(t *testing.T) {
	a := NewAnalyzer(nil)

	simple := a.Analyze("check status")
	if simple.Complexity != ComplexitySimple {
		t.Fatalf("短描述应为 simple, got %s", simple.Complexity)
	}

	complexGoal := a.Analyze("research the distributed database protocol and then " +
		"design an algorithm to optimize the replication layer while monitoring " +
		"the production kubernetes cluster for regressions across all regions")
	if complexGoal.Complexity != ComplexityComplex {
		t.Fatalf("长技术描述应为 complex, got %s (score %f)",
			complexGoal.Complexity, complexGoal.ComplexityScore)
	}
}

func TestAnalyzeRiskFactors(t *testing.T) {
	a := NewAnalyzer(nil)
	analysis := a.Analyze("deploy the new build and delete old production backups")
	if len(analysis.RiskFactors) < 2 {
		t.Fatalf("应识别出多个风险因素, got %v", analysis.RiskFactors)
	}
}

func TestAnalyzeInputPropertyRiskFactors(t *testing.T) {
	a := NewAnalyzer(nil)

	analysis := a.AnalyzeInput(Input{
		Description:  "check status urgent",
		Priority:     goal.PriorityCritical,
		PendingTasks: 6,
	})
	for _, want := range []string{riskTightDeadline, riskCriticalPriority, riskHighWorkload} {
		if !containsString(analysis.RiskFactors, want) {
			t.Fatalf("风险因素缺失 %q: %v", want, analysis.RiskFactors)
		}
	}

	calm := a.AnalyzeInput(Input{
		Description:  "check status",
		Priority:     goal.PriorityLow,
		PendingTasks: 1,
	})
	if len(calm.RiskFactors) != 0 {
		t.Fatalf("低压目标不应识别出风险因素: %v", calm.RiskFactors)
	}
}

func TestSelectorFavorsLowRiskUnderManyRiskFactors(t *testing.T) {
	s := NewSelector(nil)
	calm := Analysis{Class: ClassAnalysis, Complexity: ComplexitySimple}

	if got := s.Select(calm, nil); got.Name != StrategyParallel {
		t.Fatalf("无风险的分析类目标应选择 parallel, got %s", got.Name)
	}

	risky := calm
	risky.RiskFactors = []string{riskTightDeadline, riskCriticalPriority}
	if got := s.Select(risky, nil); got.Name != StrategySequential {
		t.Fatalf("风险因素聚集时应回退到低风险策略, got %s", got.Name)
	}
}

func TestSelectorPrefersResearchFirstForResearch(t *testing.T) {
	s := NewSelector(nil)
	analysis := Analysis{Class: ClassResearch, Complexity: ComplexityModerate}
	available := []capability.Category{capability.CategoryKnowledge, capability.CategoryReasoning}

	strategy := s.Select(analysis, available)
	if strategy.Name != StrategyResearchFirst {
		t.Fatalf("研究类目标应选择 research_first, got %s", strategy.Name)
	}
}

func TestSelectorPenalizesMissingPrerequisites(t *testing.T) {
	s := NewSelector(nil)
	analysis := Analysis{Class: ClassResearch, Complexity: ComplexityModerate}

	withKB := s.Score(Catalog()[3], analysis, []capability.Category{capability.CategoryKnowledge})
	withoutKB := s.Score(Catalog()[3], analysis, nil)
	if withoutKB >= withKB {
		t.Fatalf("缺失前置能力应降低得分: %f >= %f", withoutKB, withKB)
	}
}

func TestSelectorAdaptClampsWeights(t *testing.T) {
	s := NewSelector(nil)

	for i := 0; i < 50; i++ {
		s.Adapt(StrategyParallel, true)
	}
	if got := s.Weight(StrategyParallel); got != maxStrategyWeight {
		t.Fatalf("连续成功后权重应钳制在上限: %f", got)
	}

	for i := 0; i < 100; i++ {
		s.Adapt(StrategyParallel, false)
	}
	if got := s.Weight(StrategyParallel); got != minStrategyWeight {
		t.Fatalf("连续失败后权重应钳制在下限: %f", got)
	}
}

func planGoal(tasks int) *goal.Goal {
	g := &goal.Goal{ID: "g1", Description: "research the topic"}
	for i := 0; i < tasks; i++ {
		g.Tasks = append(g.Tasks, &goal.Task{
			ID:       string(rune('a' + i)),
			GoalID:   "g1",
			Priority: goal.PriorityMedium,
			Status:   goal.TaskPending,
		})
	}
	return g
}

func TestBuildPlanResearchFirstWiring(t *testing.T) {
	p := NewPlanner(nil, nil)
	g := planGoal(3)
	available := []capability.Category{capability.CategoryKnowledge}

	plan, err := p.BuildPlan(g, available)
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	if plan.Strategy != StrategyResearchFirst {
		t.Fatalf("策略选择错误: %s", plan.Strategy)
	}
	if len(plan.Tasks[0].DependsOn) != 0 {
		t.Fatal("首个任务不应有依赖")
	}
	for i := 1; i < len(plan.Tasks); i++ {
		if !containsString(plan.Tasks[i].DependsOn, plan.Tasks[0].TaskID) {
			t.Fatalf("任务 %d 应依赖首个检索任务", i)
		}
	}
}

func TestBuildPlanParallelWiring(t *testing.T) {
	p := NewPlanner(nil, nil)
	g := planGoal(4)
	g.Description = "monitor all services"

	plan, err := p.BuildPlan(g, nil)
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	if plan.Strategy != StrategyParallel {
		t.Fatalf("监控类目标应选择 parallel, got %s", plan.Strategy)
	}
	for i := 0; i < len(plan.Tasks)-1; i++ {
		if len(plan.Tasks[i].DependsOn) != 0 {
			t.Fatalf("并行策略下中间任务不应有依赖: task %d", i)
		}
	}
	last := plan.Tasks[len(plan.Tasks)-1]
	if len(last.DependsOn) != len(plan.Tasks)-1 {
		t.Fatalf("末尾任务应等待全部前序: %v", last.DependsOn)
	}
}

func TestBuildPlanContingencies(t *testing.T) {
	p := NewPlanner(nil, nil)
	g := planGoal(2)
	g.Tasks[0].EstimatedMS = 120_000
	g.Tasks[1].Priority = goal.PriorityCritical

	plan, err := p.BuildPlan(g, nil)
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	if !hasContingency(plan.Tasks[0], "timeout") {
		t.Fatalf("长任务应附加超时预案: %v", plan.Tasks[0].Contingencies)
	}
	if !hasContingency(plan.Tasks[1], "failure") {
		t.Fatalf("高优任务应附加失败预案: %v", plan.Tasks[1].Contingencies)
	}
}

func TestBuildPlanConfidence(t *testing.T) {
	p := NewPlanner(nil, nil)

	confident := planGoal(2)
	confident.Description = "research release notes"
	plan, err := p.BuildPlan(confident, []capability.Category{capability.CategoryKnowledge})
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	if plan.Confidence != 1.0 {
		t.Fatalf("明确无风险且前置齐备的计划置信度应为 1.0, got %f", plan.Confidence)
	}

	risky := planGoal(2)
	risky.Description = "delete old production data"
	riskyPlan, err := p.BuildPlan(risky, nil)
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	if riskyPlan.Confidence >= plan.Confidence {
		t.Fatalf("含风险计划的置信度应更低: %f", riskyPlan.Confidence)
	}
}

func TestApplyWritesDependencies(t *testing.T) {
	p := NewPlanner(nil, nil)
	g := planGoal(3)

	plan, err := p.BuildPlan(g, []capability.Category{capability.CategoryKnowledge})
	if err != nil {
		t.Fatalf("生成计划失败: %v", err)
	}
	Apply(g, plan)

	if len(g.Tasks[1].DependsOn) == 0 {
		t.Fatal("计划依赖未写回任务")
	}
}

func TestBuildPlanRejectsEmptyGoal(t *testing.T) {
	p := NewPlanner(nil, nil)
	if _, err := p.BuildPlan(&goal.Goal{ID: "empty"}, nil); err == nil {
		t.Fatal("空任务目标应返回错误")
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func hasContingency(tp TaskPlan, trigger string) bool {
	for _, c := range tp.Contingencies {
		if c.Trigger == trigger {
			return true
		}
	}
	return false
}
