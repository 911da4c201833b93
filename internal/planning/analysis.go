// Package planning 负责目标分析、策略选择与执行计划生成。
package planning

import (
	"strings"

	"NovaPilot/internal/goal"
)

// GoalClass 表示目标的大类。
type GoalClass string

const (
	ClassResearch      GoalClass = "research"
	ClassCreation      GoalClass = "creation"
	ClassAnalysis      GoalClass = "analysis"
	ClassCommunication GoalClass = "communication"
	ClassOptimization  GoalClass = "optimization"
	ClassGeneral       GoalClass = "general"
)

// Complexity 表示目标复杂度档位。
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Analysis 是目标分析的结果。
type Analysis struct {
	Class           GoalClass  `json:"class"`
	Complexity      Complexity `json:"complexity"`
	ComplexityScore float64    `json:"complexity_score"`
	RiskFactors     []string   `json:"risk_factors,omitempty"`
	MatchedKeywords []string   `json:"matched_keywords,omitempty"`
}

// Input 汇集分析所需的目标属性。除描述文本外,
// 优先级与当前待执行任务数参与风险因素识别。
type Input struct {
	Description  string
	Priority     goal.Priority
	PendingTasks int
}

// classRule 是一条有序的目标分类规则, 命中即停。
type classRule struct {
	class    GoalClass
	keywords []string
}

// defaultClassRules 返回按优先顺序排列的分类规则表。
func defaultClassRules() []classRule {
	return []classRule{
		{ClassAnalysis, []string{"analyze", "analysis", "evaluate", "assess", "monitor", "watch", "track", "checkup", "分析", "评估", "巡检", "监控"}},
		{ClassOptimization, []string{"optimize", "improve", "tune", "speed up", "优化", "调优"}},
		{ClassResearch, []string{"research", "learn", "study", "investigate", "search", "find", "研究", "学习", "调研", "查找"}},
		{ClassCreation, []string{"create", "write", "build", "draft", "generate", "compose", "创建", "撰写", "生成"}},
		{ClassCommunication, []string{"send", "notify", "voice", "speak", "email", "message", "通知", "播报", "发送"}},
	}
}

// connectives 是提示多步骤目标的连接词。
var connectives = []string{
	"and", "then", "after", "before", "while", "also",
	"并且", "然后", "之后", "同时", "以及",
}

// technicalTerms 是提示技术深度的词汇。
var technicalTerms = []string{
	"api", "database", "protocol", "algorithm", "kubernetes", "blockchain",
	"quantum", "distributed", "架构", "数据库", "协议", "算法",
}

// riskSignals 将描述中的危险词映射为风险因素。
var riskSignals = map[string]string{
	"delete":     "destructive operation requested",
	"remove":     "destructive operation requested",
	"production": "touches production environment",
	"deploy":     "deployment side effects",
	"payment":    "financial side effects",
	"transfer":   "financial side effects",
	"删除":         "destructive operation requested",
	"线上":         "touches production environment",
	"转账":         "financial side effects",
}

// deadlineSignals 提示紧迫时限的词汇。
var deadlineSignals = []string{
	"urgent", "asap", "immediately", "deadline", "today", "紧急", "尽快", "立刻",
}

// constraintSignals 提示资源受限的词汇。
var constraintSignals = []string{
	"limited", "low budget", "constrained", "offline", "low bandwidth", "受限", "离线", "低带宽",
}

// highWorkloadTasks 待执行任务数达到该值时视为高负载。
const highWorkloadTasks = 6

// 风险因素文案。
const (
	riskTightDeadline      = "tight deadline"
	riskHighWorkload       = "high current workload"
	riskCriticalPriority   = "critical priority"
	riskResourceConstraint = "resource constraints"
)

// Analyzer 对目标描述做分类、复杂度与风险分析。
type Analyzer struct {
	rules []classRule
}

// NewAnalyzer 创建分析器。rules 为空时使用默认规则表。
func NewAnalyzer(rules []classRule) *Analyzer {
	if len(rules) == 0 {
		rules = defaultClassRules()
	}
	return &Analyzer{rules: rules}
}

// Analyze 仅依据描述文本分析, 是 AnalyzeInput 的便捷入口。
func (a *Analyzer) Analyze(description string) Analysis {
	return a.AnalyzeInput(Input{Description: description})
}

// AnalyzeInput 返回目标的完整分析结果。
func (a *Analyzer) AnalyzeInput(in Input) Analysis {
	lowered := strings.ToLower(strings.TrimSpace(in.Description))
	analysis := Analysis{Class: ClassGeneral}

	for _, rule := range a.rules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				analysis.Class = rule.class
				analysis.MatchedKeywords = append(analysis.MatchedKeywords, keyword)
				break
			}
		}
		if analysis.Class != ClassGeneral {
			break
		}
	}

	analysis.ComplexityScore = complexityScore(lowered)
	switch {
	case analysis.ComplexityScore < 3:
		analysis.Complexity = ComplexitySimple
	case analysis.ComplexityScore < 6:
		analysis.Complexity = ComplexityModerate
	default:
		analysis.Complexity = ComplexityComplex
	}

	analysis.RiskFactors = riskFactors(lowered, in)
	return analysis
}

// complexityScore 依据篇幅、连接词与技术词估算复杂度。
func complexityScore(lowered string) float64 {
	score := 0.0

	words := len(strings.Fields(lowered))
	switch {
	case words > 25:
		score += 3
	case words > 12:
		score += 2
	case words > 5:
		score += 1
	}

	for _, connective := range connectives {
		if strings.Contains(lowered, connective) {
			score += 1.5
		}
	}
	for _, term := range technicalTerms {
		if strings.Contains(lowered, term) {
			score += 1
		}
	}
	return score
}

// riskFactors 汇总关键字风险与目标属性风险:
// 时限紧迫、负载过高、关键优先级与资源受限。
func riskFactors(lowered string, in Input) []string {
	seen := make(map[string]struct{})
	var factors []string
	add := func(factor string) {
		if _, ok := seen[factor]; ok {
			return
		}
		seen[factor] = struct{}{}
		factors = append(factors, factor)
	}

	for signal, factor := range riskSignals {
		if strings.Contains(lowered, signal) {
			add(factor)
		}
	}
	for _, signal := range deadlineSignals {
		if strings.Contains(lowered, signal) {
			add(riskTightDeadline)
			break
		}
	}
	for _, signal := range constraintSignals {
		if strings.Contains(lowered, signal) {
			add(riskResourceConstraint)
			break
		}
	}
	if in.Priority == goal.PriorityCritical {
		add(riskCriticalPriority)
	}
	if in.PendingTasks >= highWorkloadTasks {
		add(riskHighWorkload)
	}
	return factors
}
