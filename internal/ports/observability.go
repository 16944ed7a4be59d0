package ports

import "context"

// MetricsCollector records quantitative observability signals. Standard
// metric names include:
//   - Counters:
//     pipewright_plan_executions_total{status="..."}
//     pipewright_node_executions_total{step_type="...", status="..."}
//     pipewright_interrupts_total{type="...", state="..."}
//   - Gauges:
//     pipewright_plans_active
//   - Histograms:
//     pipewright_node_duration_seconds{step_type="..."}
//     pipewright_plan_duration_seconds
type MetricsCollector interface {
	IncCounter(ctx context.Context, name string, labels map[string]string)
	SetGauge(ctx context.Context, name string, value float64, labels map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string)
}
