package plan

// PlanStats 汇总符合过滤条件的计划数量与更新时间范围。
type PlanStats struct {
	Total           int64 `json:"total"`
	Active          int64 `json:"active"`
	Completed       int64 `json:"completed"`
	Cancelled       int64 `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}
