// Package reflection 在目标收尾后复盘执行过程, 沉淀经验并产出后续动作。
package reflection

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"NovaPilot/internal/goal"
	"NovaPilot/pkg/logger"
)

// Outcome 是复盘对目标结局的归类。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// ActionItem 是复盘给出的后续动作建议。
type ActionItem struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Entry 是一次复盘的完整记录。
type Entry struct {
	ID         string       `json:"id"`
	GoalID     string       `json:"goal_id"`
	Category   string       `json:"category,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Insights   []string     `json:"insights,omitempty"`
	Actions    []ActionItem `json:"actions,omitempty"`
	Confidence float64      `json:"confidence"`
	CreatedAt  int64        `json:"created_at"`
}

// LearningPattern 按目标类别累积执行经验。
// 成功率按 (rate*(freq-1)+outcome)/freq 递推更新。
// Contexts 记录经验来源的关键词, 用于判定后续目标是否相关。
type LearningPattern struct {
	Category    string   `json:"category"`
	Frequency   int      `json:"frequency"`
	SuccessRate float64  `json:"success_rate"`
	Contexts    []string `json:"contexts,omitempty"`
	LastSeen    int64    `json:"last_seen"`
}

// Trend 是周期性趋势分析的结论。
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// 引擎参数。
const (
	defaultHistoryLimit = 100
	// trendInterval 两次趋势分析之间的最短间隔。
	trendInterval = 24 * time.Hour
	// relevanceThreshold 关键词重合度超过该值才更新类别经验。
	relevanceThreshold = 0.5
	// highToolConfidence 能力调用平均置信度达到该值时加分。
	highToolConfidence = 0.7
	// maxPatternContexts 单个经验保留的关键词上限。
	maxPatternContexts = 16
)

// Engine 是复盘与学习的入口, 并发安全。
type Engine struct {
	mu           sync.RWMutex
	history      []Entry
	historyLimit int
	patterns     map[string]*LearningPattern
	lastTrendAt  time.Time
	lastTrend    Trend
}

// NewEngine 创建复盘引擎。
func NewEngine() *Engine {
	return &Engine{
		historyLimit: defaultHistoryLimit,
		patterns:     make(map[string]*LearningPattern),
		lastTrend:    TrendStable,
	}
}

// Reflect 对一个到达终态的目标执行复盘:
// 归类结局、提炼洞察、生成后续动作并更新学习模式。
func (e *Engine) Reflect(g *goal.Goal) *Entry {
	if g == nil {
		return nil
	}

	progress := goal.ComputeProgress(g)
	outcome := classify(progress)

	entry := &Entry{
		ID:        uuid.NewString(),
		GoalID:    g.ID,
		Category:  g.Category,
		Outcome:   outcome,
		Insights:  insights(g, progress),
		Actions:   actions(outcome, progress),
		CreatedAt: time.Now().Unix(),
	}

	e.updatePattern(g, outcome == OutcomeSuccess)
	entry.Confidence = confidence(outcome, entry.Insights, avgToolConfidence(g))

	e.mu.Lock()
	e.history = append(e.history, *entry)
	if len(e.history) > e.historyLimit {
		e.history = e.history[len(e.history)-e.historyLimit:]
	}
	e.mu.Unlock()

	logger.Audit().Info("目标复盘完成",
		slog.String("goal_id", g.ID),
		slog.String("outcome", string(outcome)),
		slog.Float64("confidence", entry.Confidence),
	)
	return entry
}

// classify 按任务完成率归类结局。
func classify(progress goal.Progress) Outcome {
	switch {
	case progress.Total == 0:
		return OutcomeFailure
	case progress.Completed == progress.Total:
		return OutcomeSuccess
	case progress.Completed > 0:
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}

// insights 按规则表从执行过程中提炼洞察。
func insights(g *goal.Goal, progress goal.Progress) []string {
	var found []string

	retried := 0
	for _, task := range g.Tasks {
		if task.Attempts > 1 {
			retried++
		}
	}
	if retried > 0 {
		found = append(found, fmt.Sprintf("%d 个任务经过重试才收敛", retried))
	}
	for _, blocker := range progress.Blockers {
		found = append(found, "阻塞原因: "+blocker)
	}
	if progress.Completed == progress.Total && retried == 0 && progress.Total > 0 {
		found = append(found, "全部任务一次通过")
	}
	if len(g.Tasks) > 0 {
		slow := 0
		for _, task := range g.Tasks {
			if task.EstimatedMS > 60_000 {
				slow++
			}
		}
		if slow > len(g.Tasks)/2 {
			found = append(found, "多数任务为长耗时任务, 可考虑拆分")
		}
	}
	return found
}

// actions 按结局套用动作模板。
func actions(outcome Outcome, progress goal.Progress) []ActionItem {
	switch outcome {
	case OutcomeSuccess:
		return []ActionItem{
			{Kind: "archive", Description: "归档目标并保留执行记录"},
		}
	case OutcomePartial:
		items := []ActionItem{
			{Kind: "replan", Description: "对未完成任务重新生成计划"},
		}
		if len(progress.Blockers) > 0 {
			items = append(items, ActionItem{Kind: "investigate", Description: "排查阻塞原因后再恢复执行"})
		}
		return items
	default:
		return []ActionItem{
			{Kind: "review_capabilities", Description: "检查相关能力提供方健康状态"},
			{Kind: "escalate", Description: "降低自主级别并等待人工确认"},
		}
	}
}

// confidence 估算复盘结论的置信度:
// 基础 0.5, 每条洞察 +0.1 至多 +0.3, 结局为成功 +0.2,
// 能力调用平均置信度高 +0.1, 保留两位小数并封顶 1.0。
func confidence(outcome Outcome, insights []string, toolConfidence float64) float64 {
	score := 0.5
	bonus := 0.1 * float64(len(insights))
	if bonus > 0.3 {
		bonus = 0.3
	}
	score += bonus
	if outcome == OutcomeSuccess {
		score += 0.2
	}
	if toolConfidence >= highToolConfidence {
		score += 0.1
	}
	score = math.Round(score*100) / 100
	if score > 1 {
		score = 1
	}
	return score
}

// avgToolConfidence 取目标内各任务落账的能力调用置信度均值。
func avgToolConfidence(g *goal.Goal) float64 {
	sum, counted := 0.0, 0
	for _, task := range g.Tasks {
		value, ok := task.Result["confidence"].(float64)
		if !ok {
			continue
		}
		sum += value
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// goalTerms 提取目标的关键词: 绑定的能力与任务类型, 小写去重。
func goalTerms(g *goal.Goal) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	for _, name := range g.Capabilities {
		add(name)
	}
	for _, task := range g.Tasks {
		add(task.Type)
	}
	return terms
}

// overlap 计算两组关键词的重合度, 以较短一侧为分母。
func overlap(terms, contexts []string) float64 {
	if len(terms) == 0 || len(contexts) == 0 {
		return 1
	}
	index := make(map[string]struct{}, len(contexts))
	for _, term := range contexts {
		index[term] = struct{}{}
	}
	matched := 0
	for _, term := range terms {
		if _, ok := index[term]; ok {
			matched++
		}
	}
	shorter := len(terms)
	if len(contexts) < shorter {
		shorter = len(contexts)
	}
	return float64(matched) / float64(shorter)
}

// updatePattern 递推更新类别经验。同类经验已存在时先判定相关性,
// 目标关键词与既有经验重合不足的不计入, 避免无关样本稀释成功率。
func (e *Engine) updatePattern(g *goal.Goal, success bool) {
	category := g.Category
	if category == "" {
		category = "general"
	}
	terms := goalTerms(g)

	e.mu.Lock()
	defer e.mu.Unlock()

	pattern, ok := e.patterns[category]
	if !ok {
		pattern = &LearningPattern{Category: category}
		e.patterns[category] = pattern
	} else if overlap(terms, pattern.Contexts) <= relevanceThreshold {
		return
	}

	pattern.Frequency++
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	pattern.SuccessRate = (pattern.SuccessRate*float64(pattern.Frequency-1) + outcome) / float64(pattern.Frequency)
	pattern.LastSeen = time.Now().Unix()

	known := make(map[string]struct{}, len(pattern.Contexts))
	for _, term := range pattern.Contexts {
		known[term] = struct{}{}
	}
	for _, term := range terms {
		if len(pattern.Contexts) >= maxPatternContexts {
			break
		}
		if _, ok := known[term]; ok {
			continue
		}
		pattern.Contexts = append(pattern.Contexts, term)
	}
}

// Pattern 返回指定类别的经验副本。
func (e *Engine) Pattern(category string) (LearningPattern, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pattern, ok := e.patterns[category]
	if !ok {
		return LearningPattern{}, false
	}
	return *pattern, true
}

// Patterns 返回全部类别经验的副本, 供状态持久化使用。
func (e *Engine) Patterns() map[string]LearningPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snapshot := make(map[string]LearningPattern, len(e.patterns))
	for category, pattern := range e.patterns {
		snapshot[category] = *pattern
	}
	return snapshot
}

// RestorePatterns 以快照覆盖类别经验, 用于进程重启后的状态恢复。
func (e *Engine) RestorePatterns(snapshot map[string]LearningPattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for category, pattern := range snapshot {
		patternCopy := pattern
		e.patterns[category] = &patternCopy
	}
}

// History 返回最近 limit 条复盘记录, limit<=0 时返回全部。
func (e *Engine) History(limit int) []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Entry(nil), history...)
}

// AnalyzeTrend 对比近期与更早的复盘结局, 得出趋势结论。
// 距上次分析不足 24 小时时直接返回缓存结论。
func (e *Engine) AnalyzeTrend(now time.Time) Trend {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastTrendAt.IsZero() && now.Sub(e.lastTrendAt) < trendInterval {
		return e.lastTrend
	}

	e.lastTrendAt = now
	e.lastTrend = computeTrend(e.history)
	return e.lastTrend
}

func computeTrend(history []Entry) Trend {
	if len(history) < 4 {
		return TrendStable
	}
	half := len(history) / 2
	older := successRatio(history[:half])
	recent := successRatio(history[half:])

	switch {
	case recent > older+0.1:
		return TrendImproving
	case recent < older-0.1:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func successRatio(entries []Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	succeeded := 0
	for _, entry := range entries {
		if entry.Outcome == OutcomeSuccess {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(entries))
}
