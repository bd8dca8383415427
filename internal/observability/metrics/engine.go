package metrics

import (
	"fmt"
	"strings"
	"sync"
)

type engineMetrics struct {
	mu              sync.Mutex
	executions      uint64
	crossExecutions uint64
	completions     uint64
	reverts         uint64
}

var engineCollector = &engineMetrics{}

// EngineRecorder 返回执行计数接收器，供执行引擎上报。
type EngineRecorder struct{}

// RecordExecution 记录一次成功执行。
func (EngineRecorder) RecordExecution(crossDomain bool) {
	engineCollector.mu.Lock()
	defer engineCollector.mu.Unlock()
	engineCollector.executions++
	if crossDomain {
		engineCollector.crossExecutions++
	}
}

// RecordCompletion 记录一次计划完成。
func (EngineRecorder) RecordCompletion() {
	engineCollector.mu.Lock()
	defer engineCollector.mu.Unlock()
	engineCollector.completions++
}

// RecordRevert 记录一次执行回退。
func (EngineRecorder) RecordRevert() {
	engineCollector.mu.Lock()
	defer engineCollector.mu.Unlock()
	engineCollector.reverts++
}

func (m *engineMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var builder strings.Builder
	builder.WriteString("# HELP hodl_plan_executions_total Total number of successful plan executions.\n")
	builder.WriteString("# TYPE hodl_plan_executions_total counter\n")
	builder.WriteString(fmt.Sprintf("hodl_plan_executions_total %d\n", m.executions))
	builder.WriteString("# HELP hodl_plan_cross_domain_executions_total Total number of cross-domain plan executions.\n")
	builder.WriteString("# TYPE hodl_plan_cross_domain_executions_total counter\n")
	builder.WriteString(fmt.Sprintf("hodl_plan_cross_domain_executions_total %d\n", m.crossExecutions))
	builder.WriteString("# HELP hodl_plan_completions_total Total number of plans that ran to completion.\n")
	builder.WriteString("# TYPE hodl_plan_completions_total counter\n")
	builder.WriteString(fmt.Sprintf("hodl_plan_completions_total %d\n", m.completions))
	builder.WriteString("# HELP hodl_plan_reverts_total Total number of reverted plan executions.\n")
	builder.WriteString("# TYPE hodl_plan_reverts_total counter\n")
	builder.WriteString(fmt.Sprintf("hodl_plan_reverts_total %d\n", m.reverts))
	return builder.String()
}
