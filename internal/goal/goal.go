package goal

import (
	stdErrors "errors"
	"time"

	xerrors "NovaPilot/internal/errors"
)

// Priority 表示目标或任务的优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight 返回用于排序的优先级权重，critical 最高。
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// IsValidPriority 检查给定的优先级是否为支持的枚举值。
func IsValidPriority(p Priority) bool {
	return p.Weight() > 0
}

// Status 表示目标在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// IsValidStatus 检查给定的目标状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusActive, StatusInProgress, StatusCompleted, StatusFailed, StatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal 判断目标状态是否已到达终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskStatus 表示任务在生命周期中的状态。
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

// IsValidTaskStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskPending, TaskExecuting, TaskCompleted, TaskFailed, TaskRetrying:
		return true
	default:
		return false
	}
}

// Task 描述了隶属于某个目标的原子工作单元。
type Task struct {
	ID          string         `json:"id"`
	GoalID      string         `json:"goal_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	EstimatedMS int64          `json:"estimated_ms"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// EstimatedDuration 返回任务的预估耗时。
func (t *Task) EstimatedDuration() time.Duration {
	return time.Duration(t.EstimatedMS) * time.Millisecond
}

// DependenciesMet 判断任务依赖是否全部完成。依赖必须指向同一目标内的任务。
func (t *Task) DependenciesMet(byID map[string]*Task) bool {
	for _, dep := range t.DependsOn {
		depTask, ok := byID[dep]
		if !ok || depTask.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Goal 描述了由用户或系统发起的目标。
type Goal struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Priority     Priority       `json:"priority"`
	Status       Status         `json:"status"`
	Category     string         `json:"category,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Tasks        []*Task        `json:"tasks"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
}

// TaskIndex 返回任务 ID 到任务的索引。
func (g *Goal) TaskIndex() map[string]*Task {
	index := make(map[string]*Task, len(g.Tasks))
	for _, task := range g.Tasks {
		index[task.ID] = task
	}
	return index
}

// Task 按 ID 返回目标内的任务。
func (g *Goal) Task(id string) (*Task, bool) {
	for _, task := range g.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return nil, false
}

var (
	// ErrGoalNotFound 表示指定的目标不存在。
	ErrGoalNotFound = xerrors.New(CodeGoalNotFound, "goal not found")
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrGoalConflict 表示目标在当前状态下无法进行所请求的操作。
	ErrGoalConflict = xerrors.New(CodeGoalConflict, "goal conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeGoalNotFound   xerrors.Code = "GOAL_NOT_FOUND"
	CodeTaskNotFound   xerrors.Code = "GOAL_TASK_NOT_FOUND"
	CodeGoalConflict   xerrors.Code = "GOAL_CONFLICT"
	CodeTaskExhausted  xerrors.Code = "GOAL_TASK_RETRIES_EXHAUSTED"
	CodeGoalValidation xerrors.Code = "GOAL_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeGoalNotFound, xerrors.Attributes{
		Message:   "goal not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGoalConflict, xerrors.Attributes{
		Message:   "goal conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGoalValidation, xerrors.Attributes{
		Message:   "goal validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsNotFound 判断错误是否为目标或任务缺失。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrGoalNotFound) || stdErrors.Is(err, ErrTaskNotFound)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.DependsOn = append([]string(nil), task.DependsOn...)
	clone.Result = cloneMetadata(task.Result)
	return &clone
}

func cloneGoal(g *Goal) *Goal {
	clone := *g
	clone.Capabilities = append([]string(nil), g.Capabilities...)
	clone.Metadata = cloneMetadata(g.Metadata)
	clone.Tasks = make([]*Task, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		clone.Tasks = append(clone.Tasks, cloneTask(task))
	}
	return &clone
}
