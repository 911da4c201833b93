package goal

import (
	"strings"
)

// TemplateTask 描述模板中预置的任务。
type TemplateTask struct {
	Type        string
	Description string
	Priority    Priority
	// DependsOn 引用模板内更早任务的下标。
	DependsOn   []int
	EstimatedMS int64
}

// Template 描述可复用的目标模板，实例化时生成固定的任务列表。
type Template struct {
	ID           string
	Category     string
	Capabilities []string
	Tasks        []TemplateTask
}

// BuiltinTemplates 返回内置的目标模板集合。
func BuiltinTemplates() map[string]Template {
	templates := map[string]Template{
		"daily_briefing": {
			ID:           "daily_briefing",
			Category:     "research",
			Capabilities: []string{"search", "knowledge", "reasoning"},
			Tasks: []TemplateTask{
				{Type: "research", Description: "收集今日相关资讯", Priority: PriorityMedium, EstimatedMS: 60_000},
				{Type: "analysis", Description: "汇总并提炼要点", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 45_000},
				{Type: "communication", Description: "生成简报并送达", Priority: PriorityMedium, DependsOn: []int{1}, EstimatedMS: 30_000},
			},
		},
		"voice_briefing": {
			ID:           "voice_briefing",
			Category:     "communication",
			Capabilities: []string{"voice", "reasoning"},
			Tasks: []TemplateTask{
				{Type: "creation", Description: "撰写播报文稿", Priority: PriorityMedium, EstimatedMS: 45_000},
				{Type: "voice", Description: "合成语音播报", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 30_000},
			},
		},
		"system_checkup": {
			ID:           "system_checkup",
			Category:     "optimization",
			Capabilities: []string{"system"},
			Tasks: []TemplateTask{
				{Type: "monitoring", Description: "巡检能力提供方健康状态", Priority: PriorityHigh, EstimatedMS: 20_000},
				{Type: "analysis", Description: "分析性能指标并给出建议", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 40_000},
			},
		},
	}
	return templates
}

// ClassifierRule 是一条有序的关键字分类规则。
// 规则按声明顺序匹配，命中即停。
type ClassifierRule struct {
	Keywords     []string
	Category     string
	Capabilities []string
	Tasks        []TemplateTask
}

// DefaultClassifierRules 返回描述文本到任务列表的规则表。
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{
			Keywords:     []string{"voice", "speak", "say", "语音", "播报"},
			Category:     "communication",
			Capabilities: []string{"voice", "reasoning"},
			Tasks: []TemplateTask{
				{Type: "creation", Description: "准备语音内容", Priority: PriorityMedium, EstimatedMS: 40_000},
				{Type: "voice", Description: "执行语音合成", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 25_000},
			},
		},
		{
			Keywords:     []string{"learn", "study", "research", "understand", "学习", "研究"},
			Category:     "research",
			Capabilities: []string{"search", "knowledge", "reasoning"},
			Tasks: []TemplateTask{
				{Type: "research", Description: "检索并收集资料", Priority: PriorityMedium, EstimatedMS: 60_000},
				{Type: "analysis", Description: "整理并分析要点", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 45_000},
				{Type: "verification", Description: "核验关键结论", Priority: PriorityLow, DependsOn: []int{1}, EstimatedMS: 30_000},
			},
		},
		{
			Keywords:     []string{"search", "find", "lookup", "查找", "搜索"},
			Category:     "research",
			Capabilities: []string{"search", "knowledge"},
			Tasks: []TemplateTask{
				{Type: "research", Description: "执行检索", Priority: PriorityMedium, EstimatedMS: 30_000},
				{Type: "analysis", Description: "筛选并汇总结果", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 30_000},
			},
		},
		{
			Keywords:     []string{"help", "assist", "support", "帮助", "协助"},
			Category:     "general",
			Capabilities: []string{"knowledge", "reasoning"},
			Tasks: []TemplateTask{
				{Type: "analysis", Description: "理解请求并拆解需求", Priority: PriorityMedium, EstimatedMS: 30_000},
				{Type: "execution", Description: "执行协助动作", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 45_000},
			},
		},
	}
}

// Classification 是分类器的输出。
type Classification struct {
	Category     string
	Capabilities []string
	Tasks        []TemplateTask
}

// Classifier 基于有序规则表对目标描述进行分类。
type Classifier struct {
	rules []ClassifierRule
}

// NewClassifier 创建分类器。rules 为空时使用默认规则表。
func NewClassifier(rules []ClassifierRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultClassifierRules()
	}
	return &Classifier{rules: rules}
}

// Classify 对描述文本执行逐条规则匹配，未命中任何规则时返回通用分类。
func (c *Classifier) Classify(description string) Classification {
	lowered := strings.ToLower(description)
	for _, rule := range c.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				return Classification{
					Category:     rule.Category,
					Capabilities: append([]string(nil), rule.Capabilities...),
					Tasks:        append([]TemplateTask(nil), rule.Tasks...),
				}
			}
		}
	}
	return Classification{
		Category:     "general",
		Capabilities: []string{"knowledge"},
		Tasks: []TemplateTask{
			{Type: "analysis", Description: "分析目标需求", Priority: PriorityMedium, EstimatedMS: 30_000},
			{Type: "execution", Description: "执行目标动作", Priority: PriorityMedium, DependsOn: []int{0}, EstimatedMS: 45_000},
			{Type: "verification", Description: "确认完成情况", Priority: PriorityLow, DependsOn: []int{1}, EstimatedMS: 20_000},
		},
	}
}
