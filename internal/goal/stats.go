package goal

// Stats 聚合了目标与任务状态的统计信息，常用于状态查询接口。
type Stats struct {
	Goals          int `json:"goals"`
	ActiveGoals    int `json:"active_goals"`
	CompletedGoals int `json:"completed_goals"`
	FailedGoals    int `json:"failed_goals"`
	ArchivedGoals  int `json:"archived_goals"`
	Tasks          int `json:"tasks"`
	PendingTasks   int `json:"pending_tasks"`
	ExecutingTasks int `json:"executing_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}
