// Package situation 维护智能体对运行环境的感知:
// 状态字段、变更历史、重复模式与短期预测。
package situation

import (
	"fmt"
	"sync"
	"time"
)

// Change 记录一次状态字段的变更。
type Change struct {
	Field    string `json:"field"`
	Previous any    `json:"previous,omitempty"`
	Value    any    `json:"value"`
	Reason   string `json:"reason,omitempty"`
}

// Snapshot 是一批同时发生的变更。
type Snapshot struct {
	At      int64    `json:"at"`
	Changes []Change `json:"changes"`
}

// Pattern 是按 (字段, 原因) 聚合出的重复变更模式。
// Confidence 随出现次数线性增长, 十次封顶。
type Pattern struct {
	Field       string `json:"field"`
	Reason      string `json:"reason"`
	Occurrences int    `json:"occurrences"`
	Confidence  float64 `json:"confidence"`
	LastValue   any    `json:"last_value,omitempty"`
	LastSeen    int64  `json:"last_seen"`
	// hourHits 统计变更发生的小时分布, 用于时段预测。
	hourHits [24]int
	// valueHits 统计各历史取值的出现次数, 预测取最频繁值。
	valueHits map[string]valueHit
}

type valueHit struct {
	value any
	count int
}

// dominantValue 返回出现次数最多的历史取值, 并列时取字典序靠前者。
func (p *Pattern) dominantValue() any {
	if len(p.valueHits) == 0 {
		return p.LastValue
	}
	bestKey := ""
	best := valueHit{count: -1}
	for key, hit := range p.valueHits {
		if hit.count > best.count || (hit.count == best.count && key < bestKey) {
			bestKey, best = key, hit
		}
	}
	return best.value
}

// Prediction 是对即将发生的状态变更的预测。
type Prediction struct {
	Field      string  `json:"field"`
	Value      any     `json:"value,omitempty"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// 模式与预测参数。
const (
	defaultHistoryCapacity = 100
	// patternSaturation 出现该次数后置信度到达 1.0。
	patternSaturation = 10
	// predictionMinOccurrences 低于该出现次数的模式不参与预测。
	predictionMinOccurrences = 3
	// predictionMinConfidence 低于该置信度的模式不参与预测。
	predictionMinConfidence = 0.7
	// autoApplyConfidence 达到该置信度的预测在巡检时自动生效。
	autoApplyConfidence = 0.9
	// 工作日 9 点至 17 点视为工作时段。
	workStartHour = 9
	workEndHour   = 17
	// workHoursConfidence 是工作时段环境预测的固定置信度。
	workHoursConfidence = 0.7
)

type patternKey struct {
	field  string
	reason string
}

// Tracker 是状态感知的唯一入口, 并发安全。
type Tracker struct {
	mu       sync.RWMutex
	state    map[string]any
	history  []Snapshot
	capacity int
	patterns map[patternKey]*Pattern

	culturalCache map[string]string
}

// NewTracker 创建状态跟踪器。capacity 限定历史快照数量, FIFO 淘汰。
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &Tracker{
		state:         make(map[string]any),
		capacity:      capacity,
		patterns:      make(map[patternKey]*Pattern),
		culturalCache: make(map[string]string),
	}
}

// Set 更新单个状态字段并记录变更。
func (t *Tracker) Set(field string, value any, reason string) {
	t.Apply([]Change{{Field: field, Value: value, Reason: reason}})
}

// Apply 原子地应用一批变更: 更新状态、追加历史、累积模式。
func (t *Tracker) Apply(changes []Change) {
	if len(changes) == 0 {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	recorded := make([]Change, 0, len(changes))
	for _, change := range changes {
		change.Previous = t.state[change.Field]
		t.state[change.Field] = change.Value
		recorded = append(recorded, change)
		t.recordPattern(change, now)
	}

	t.history = append(t.history, Snapshot{At: now.Unix(), Changes: recorded})
	if len(t.history) > t.capacity {
		t.history = t.history[len(t.history)-t.capacity:]
	}
}

func (t *Tracker) recordPattern(change Change, now time.Time) {
	if change.Reason == "" {
		return
	}
	key := patternKey{field: change.Field, reason: change.Reason}
	pattern, ok := t.patterns[key]
	if !ok {
		pattern = &Pattern{Field: change.Field, Reason: change.Reason}
		t.patterns[key] = pattern
	}
	pattern.Occurrences++
	pattern.Confidence = float64(pattern.Occurrences) / patternSaturation
	if pattern.Confidence > 1 {
		pattern.Confidence = 1
	}
	pattern.LastValue = change.Value
	pattern.LastSeen = now.Unix()
	pattern.hourHits[now.Hour()]++

	if pattern.valueHits == nil {
		pattern.valueHits = make(map[string]valueHit)
	}
	valueKey := fmt.Sprint(change.Value)
	hit := pattern.valueHits[valueKey]
	hit.value = change.Value
	hit.count++
	pattern.valueHits[valueKey] = hit
}

// Get 返回状态字段当前值。
func (t *Tracker) Get(field string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	value, ok := t.state[field]
	return value, ok
}

// State 返回当前状态的副本。
func (t *Tracker) State() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[string]any, len(t.state))
	for field, value := range t.state {
		snapshot[field] = value
	}
	return snapshot
}

// History 返回最近 limit 条历史快照, limit<=0 时返回全部。
func (t *Tracker) History(limit int) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := t.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Snapshot(nil), history...)
}

// Patterns 返回累积到的全部模式副本。
func (t *Tracker) Patterns() []Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	patterns := make([]Pattern, 0, len(t.patterns))
	for _, pattern := range t.patterns {
		patterns = append(patterns, *pattern)
	}
	return patterns
}

// Predictions 基于成熟模式生成预测: 预测值取最频繁的历史取值,
// 时段吻合的模式获得置信度加成。工作时段固定叠加环境预测。
func (t *Tracker) Predictions(now time.Time) []Prediction {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hour := now.Hour()
	var predictions []Prediction
	for _, pattern := range t.patterns {
		if pattern.Occurrences <= predictionMinOccurrences {
			continue
		}
		if pattern.Confidence <= predictionMinConfidence {
			continue
		}
		confidence := pattern.Confidence
		if dominantHour(pattern.hourHits) == hour {
			confidence += 0.05
			if confidence > 1 {
				confidence = 1
			}
		}
		predictions = append(predictions, Prediction{
			Field:      pattern.Field,
			Value:      pattern.dominantValue(),
			Reason:     pattern.Reason,
			Confidence: confidence,
		})
	}
	if isWorkHours(now) {
		predictions = append(predictions, Prediction{
			Field:      "environment",
			Value:      "work",
			Reason:     "work_hours",
			Confidence: workHoursConfidence,
		})
	}
	return predictions
}

func isWorkHours(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= workStartHour && now.Hour() < workEndHour
}

// Sweep 执行周期巡检: 将高置信度预测直接落入状态。
// 返回被自动应用的预测。
func (t *Tracker) Sweep(now time.Time) []Prediction {
	predictions := t.Predictions(now)
	var applied []Prediction
	for _, prediction := range predictions {
		if prediction.Confidence < autoApplyConfidence {
			continue
		}
		t.mu.Lock()
		t.state[prediction.Field] = prediction.Value
		t.mu.Unlock()
		applied = append(applied, prediction)
	}
	return applied
}

func dominantHour(hits [24]int) int {
	best, bestCount := -1, 0
	for hour, count := range hits {
		if count > bestCount {
			best, bestCount = hour, count
		}
	}
	return best
}

// Cultural 返回给定日期的文化语境标签, 结果按日期缓存。
func (t *Tracker) Cultural(date time.Time) string {
	key := date.Format("2006-01-02")

	t.mu.RLock()
	cached, ok := t.culturalCache[key]
	t.mu.RUnlock()
	if ok {
		return cached
	}

	label := culturalLabel(date)

	t.mu.Lock()
	t.culturalCache[key] = label
	t.mu.Unlock()
	return label
}

func culturalLabel(date time.Time) string {
	if holiday, ok := holidays[date.Format("01-02")]; ok {
		return holiday
	}
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "workday"
	}
}

// holidays 是固定日期的节日表。
var holidays = map[string]string{
	"01-01": "new_year",
	"05-01": "labor_day",
	"10-01": "national_day",
	"12-25": "christmas",
}
