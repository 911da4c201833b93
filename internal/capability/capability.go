// Package capability 定义智能体可调用的外部能力及其注册与调度机制。
package capability

import (
	"context"
	"time"

	xerrors "NovaPilot/internal/errors"
)

// Category 表示能力所属的类别。
type Category string

const (
	CategorySearch        Category = "search"
	CategoryKnowledge     Category = "knowledge"
	CategoryReasoning     Category = "reasoning"
	CategoryVoice         Category = "voice"
	CategorySystem        Category = "system"
	CategoryChain         Category = "chain"
	CategoryCommunication Category = "communication"
)

// LatencyTier 粗粒度地描述能力的响应延迟档位。
type LatencyTier string

const (
	LatencyFast   LatencyTier = "fast"
	LatencyMedium LatencyTier = "medium"
	LatencySlow   LatencyTier = "slow"
)

// Descriptor 描述一个能力的静态属性，供选择器评分使用。
type Descriptor struct {
	Name        string      `json:"name"`
	Category    Category    `json:"category"`
	Description string      `json:"description"`
	// Complexity 为 1..10 的复杂度评分，参与选择器的预算控制。
	Complexity  int         `json:"complexity"`
	Latency     LatencyTier `json:"latency"`
	// Reliability 为 0..1 的基础可靠度，运行期会叠加健康度修正。
	Reliability float64     `json:"reliability"`
	// DependsOn 列出该能力生效所依赖的其他能力名。
	DependsOn   []string    `json:"depends_on,omitempty"`
}

// Request 是一次能力调用的输入。
type Request struct {
	GoalID      string         `json:"goal_id"`
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// Param 按键读取调用参数并返回字符串表示。
func (r Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	if value, ok := r.Params[key].(string); ok {
		return value
	}
	return ""
}

// Result 记录一次能力调用的结果。
type Result struct {
	Capability string         `json:"capability"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	// Confidence 为 0..1，由提供方自估结果可信度。
	Confidence float64 `json:"confidence"`
	// Critical 标记该调用失败时是否应中断所属执行计划。
	Critical bool `json:"critical"`
}

// Provider 是能力提供方需要实现的接口。
type Provider interface {
	// Describe 返回能力的静态描述。
	Describe() Descriptor
	// Execute 执行能力调用。实现方必须尊重 ctx 的截止时间。
	Execute(ctx context.Context, req Request) (*Result, error)
	// CheckHealth 探测提供方当前是否可用。
	CheckHealth(ctx context.Context) error
}

// ErrCapabilityNotFound 表示请求的能力未注册。
var ErrCapabilityNotFound = xerrors.New(CodeCapabilityNotFound, "capability not registered")

const (
	CodeCapabilityNotFound xerrors.Code = "CAPABILITY_NOT_FOUND"
	CodeCapabilityDenied   xerrors.Code = "CAPABILITY_DENIED"
)

func init() {
	xerrors.Register(CodeCapabilityNotFound, xerrors.Attributes{
		Message:   "capability not registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCapabilityDenied, xerrors.Attributes{
		Message:   "capability denied by autonomy policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
