package plan

// Eligible 是执行资格的纯判定函数：返回 nil 表示计划在 now 时刻可以
// 执行一期；否则返回 ErrPlanInactive 或 ErrIntervalNotElapsed，调用方
// 依赖这两种原因的区分。函数无任何副作用。
func Eligible(p *Plan, now int64) error {
	if p == nil {
		return ErrPlanNotFound
	}
	if p.Status != StatusActive {
		return ErrPlanInactive
	}
	if p.RemainingAmount == nil || p.AmountPerInterval == nil ||
		p.RemainingAmount.Cmp(p.AmountPerInterval) < 0 {
		return ErrPlanInactive
	}
	if p.LastExecutionTime == nil {
		if now < p.StartTime {
			return ErrIntervalNotElapsed
		}
		return nil
	}
	if now < *p.LastExecutionTime+p.IntervalSeconds {
		return ErrIntervalNotElapsed
	}
	return nil
}

// NextEligibleAt 返回计划下一次满足时间条件的时刻。对非活跃计划无意义，
// 返回 0。
func NextEligibleAt(p *Plan) int64 {
	if p == nil || p.Status != StatusActive {
		return 0
	}
	if p.LastExecutionTime == nil {
		return p.StartTime
	}
	return *p.LastExecutionTime + p.IntervalSeconds
}
