package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
	"NovaPilot/pkg/logger"
)

// TaskOutcome 汇总单个任务的能力调用结果。
type TaskOutcome struct {
	TaskID     string              `json:"task_id"`
	Strategy   Shape               `json:"strategy,omitempty"`
	Success    bool                `json:"success"`
	Results    []capability.Result `json:"results,omitempty"`
	Error      string              `json:"error,omitempty"`
	Duration   time.Duration       `json:"duration"`
	Confidence float64             `json:"confidence"`
}

// Output 将调用结果折叠为可写入任务记录的 map。
func (o TaskOutcome) Output() map[string]any {
	output := map[string]any{
		"success":     o.Success,
		"duration_ms": o.Duration.Milliseconds(),
		"confidence":  o.Confidence,
	}
	if o.Strategy != "" {
		output["strategy"] = string(o.Strategy)
	}
	capabilities := make([]map[string]any, 0, len(o.Results))
	for _, result := range o.Results {
		entry := map[string]any{
			"capability": result.Capability,
			"success":    result.Success,
		}
		if result.Error != "" {
			entry["error"] = result.Error
		}
		if len(result.Output) > 0 {
			entry["output"] = result.Output
		}
		capabilities = append(capabilities, entry)
	}
	if len(capabilities) > 0 {
		output["capabilities"] = capabilities
	}
	return output
}

// defaultCallTimeout 是单次能力调用的缺省截止时间。
const defaultCallTimeout = 30 * time.Second

// Executor 按选择器给出的能力组合驱动任务执行。
type Executor struct {
	registry    *capability.Registry
	selector    *Selector
	callTimeout time.Duration
}

// NewExecutor 创建执行器。
func NewExecutor(registry *capability.Registry, selector *Selector, callTimeout time.Duration) *Executor {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if selector == nil {
		selector = NewSelector(registry)
	}
	return &Executor{
		registry:    registry,
		selector:    selector,
		callTimeout: callTimeout,
	}
}

// Execute 执行单个任务: 为其挑选能力, 推导执行形态并按形态调用。
// sequential/conditional 逐个推进并在关键失败时中止;
// parallel 并发调用全部能力且不短路; hybrid 分组有序、组内并发。
// 每次调用都带有独立的截止时间。
func (e *Executor) Execute(ctx context.Context, task *goal.Task, policy capability.Policy) TaskOutcome {
	start := time.Now()
	outcome := TaskOutcome{TaskID: task.ID}

	selections := e.selector.Select(TaskProfile{
		Type:        task.Type,
		Description: task.Description,
		EstimatedMS: task.EstimatedMS,
	}, policy)

	if len(selections) == 0 {
		// 无可用能力时任务按内建逻辑空转完成
		outcome.Success = true
		outcome.Confidence = 0.3
		outcome.Duration = time.Since(start)
		return outcome
	}

	chain := BuildChain(selections)
	outcome.Strategy = chain.Shape

	var abort *capability.Result
	switch chain.Shape {
	case ShapeParallel:
		results := e.invokeGroup(ctx, flatten(chain.Groups), task)
		outcome.Results = appendResults(outcome.Results, task, results)
		// 并发形态不短路, 结果收齐后再判定关键失败
		abort = firstCriticalFailure(results)
	case ShapeHybrid:
		for _, group := range chain.Groups {
			open := make([]Selection, 0, len(group))
			for _, selection := range group {
				if !gateOpen(task, selection.Descriptor) {
					continue
				}
				open = append(open, selection)
			}
			results := e.invokeGroup(ctx, open, task)
			outcome.Results = appendResults(outcome.Results, task, results)
			if abort = firstCriticalFailure(results); abort != nil {
				break
			}
		}
	default:
		// sequential 与 conditional 均逐个推进
		for _, selection := range flatten(chain.Groups) {
			if chain.Shape == ShapeConditional && !gateOpen(task, selection.Descriptor) {
				continue
			}
			result := e.invoke(ctx, selection.Descriptor.Name, task)
			outcome.Results = appendResults(outcome.Results, task, []*capability.Result{result})
			if result.Critical && !result.Success {
				abort = result
				break
			}
		}
	}

	succeeded := 0
	confidenceSum := 0.0
	for _, result := range outcome.Results {
		if result.Success {
			succeeded++
			confidenceSum += result.Confidence
		}
	}
	if succeeded > 0 {
		outcome.Confidence = confidenceSum / float64(succeeded)
	}
	outcome.Duration = time.Since(start)

	if abort != nil {
		outcome.Error = abort.Error
		if outcome.Error == "" {
			outcome.Error = "关键能力调用失败: " + abort.Capability
		}
		return outcome
	}
	outcome.Success = succeeded > 0
	if !outcome.Success {
		outcome.Error = "所有能力调用均失败"
	}
	return outcome
}

// invoke 以独立截止时间调用单个能力。
func (e *Executor) invoke(ctx context.Context, name string, task *goal.Task) *capability.Result {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	result, err := e.registry.Execute(callCtx, name, capability.Request{
		GoalID:      task.GoalID,
		TaskID:      task.ID,
		TaskType:    task.Type,
		Description: task.Description,
	})
	if result == nil {
		result = &capability.Result{Capability: name, Success: false}
		if err != nil {
			result.Error = err.Error()
		}
	}
	return result
}

// invokeGroup 并发调用一组互不依赖的能力, 结果按入参顺序返回。
func (e *Executor) invokeGroup(ctx context.Context, group []Selection, task *goal.Task) []*capability.Result {
	switch len(group) {
	case 0:
		return nil
	case 1:
		return []*capability.Result{e.invoke(ctx, group[0].Descriptor.Name, task)}
	}

	results := make([]*capability.Result, len(group))
	eg, groupCtx := errgroup.WithContext(ctx)
	for i, selection := range group {
		i, name := i, selection.Descriptor.Name
		eg.Go(func() error {
			results[i] = e.invoke(groupCtx, name, task)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// appendResults 追加调用结果并对非关键失败记录告警日志。
func appendResults(results []capability.Result, task *goal.Task, batch []*capability.Result) []capability.Result {
	for _, result := range batch {
		if result == nil {
			continue
		}
		results = append(results, *result)
		if !result.Success && !result.Critical {
			logger.L().Warn("能力调用失败, 继续执行",
				slog.String("task_id", task.ID),
				slog.String("capability", result.Capability),
				slog.String("error", result.Error),
			)
		}
	}
	return results
}

// firstCriticalFailure 返回一组结果中首个关键失败, 没有则返回 nil。
func firstCriticalFailure(results []*capability.Result) *capability.Result {
	for _, result := range results {
		if result != nil && result.Critical && !result.Success {
			return result
		}
	}
	return nil
}
