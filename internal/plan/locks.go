package plan

import "sync"

// PlanLocks 提供按计划 ID 的互斥锁。同一把 PlanLocks 实例需要在所有
// 会修改计划状态的组件间共享，串行化同一计划的执行、取消与补偿。
type PlanLocks struct {
	locks sync.Map
}

// NewPlanLocks 创建 PlanLocks。
func NewPlanLocks() *PlanLocks {
	return &PlanLocks{}
}

// Lock 获取指定计划的互斥锁，返回对应的解锁函数。
func (l *PlanLocks) Lock(id string) func() {
	entry, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := entry.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
