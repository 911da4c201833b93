package goal

// Milestone 描述目标内的一个阶段。阶段内任务全部完成后该阶段视为完成。
type Milestone struct {
	Name      string   `json:"name"`
	TaskIDs   []string `json:"task_ids"`
	Completed bool     `json:"completed"`
}

// Progress 汇总目标的执行进度。
type Progress struct {
	Completed   int         `json:"completed"`
	Total       int         `json:"total"`
	SuccessRate float64     `json:"success_rate"`
	Milestones  []Milestone `json:"milestones"`
	Blockers    []string    `json:"blockers,omitempty"`
}

// maxMilestonePhases 限制阶段数量上限。
const maxMilestonePhases = 3

// ComputeProgress 根据任务状态计算目标进度、阶段完成情况与阻塞原因。
func ComputeProgress(g *Goal) Progress {
	progress := Progress{Total: len(g.Tasks)}
	if progress.Total == 0 {
		return progress
	}

	for _, task := range g.Tasks {
		if task.Status == TaskCompleted {
			progress.Completed++
		}
		if task.Status == TaskFailed && task.LastError != "" {
			progress.Blockers = append(progress.Blockers, task.LastError)
		}
	}
	progress.SuccessRate = float64(progress.Completed) / float64(progress.Total)
	progress.Milestones = computeMilestones(g)
	return progress
}

// computeMilestones 将任务按声明顺序切分为至多三个阶段。
func computeMilestones(g *Goal) []Milestone {
	total := len(g.Tasks)
	phases := maxMilestonePhases
	if total < phases {
		phases = total
	}
	if phases == 0 {
		return nil
	}
	chunk := (total + phases - 1) / phases

	names := [maxMilestonePhases]string{"准备阶段", "执行阶段", "收尾阶段"}
	milestones := make([]Milestone, 0, phases)
	for i := 0; i < total; i += chunk {
		end := i + chunk
		if end > total {
			end = total
		}
		milestone := Milestone{Name: names[len(milestones)], Completed: true}
		for _, task := range g.Tasks[i:end] {
			milestone.TaskIDs = append(milestone.TaskIDs, task.ID)
			if task.Status != TaskCompleted {
				milestone.Completed = false
			}
		}
		milestones = append(milestones, milestone)
	}
	return milestones
}
