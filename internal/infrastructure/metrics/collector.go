// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Metric names understood by the collector.
const (
	PlanExecutionsTotal = "pipewright_plan_executions_total"
	NodeExecutionsTotal = "pipewright_node_executions_total"
	InterruptsTotal     = "pipewright_interrupts_total"
	PlansActive         = "pipewright_plans_active"
	NodeDurationSeconds = "pipewright_node_duration_seconds"
	PlanDurationSeconds = "pipewright_plan_duration_seconds"
)

// Collector implements ports.MetricsCollector on a Prometheus registry.
// Only the metrics declared above are recorded; other names are ignored.
type Collector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	logger     ports.Logger
}

var _ ports.MetricsCollector = (*Collector)(nil)

// NewCollector registers the engine metrics on registry. A nil registry
// gets a fresh one.
func NewCollector(registry *prometheus.Registry, logger ports.Logger) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	logger = logging.OrNoOp(logger)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		logger:   logger,
		counters: map[string]*prometheus.CounterVec{
			PlanExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: PlanExecutionsTotal,
				Help: "Plan executions that reached a terminal status.",
			}, []string{"status"}),
			NodeExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: NodeExecutionsTotal,
				Help: "Node executions that reached a terminal status.",
			}, []string{"step_type", "status"}),
			InterruptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: InterruptsTotal,
				Help: "Interrupts handled, by type and final state.",
			}, []string{"type", "state"}),
		},
		gauges: map[string]*prometheus.GaugeVec{
			PlansActive: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: PlansActive,
				Help: "Plan executions started and not yet finished.",
			}, nil),
		},
		histograms: map[string]*prometheus.HistogramVec{
			NodeDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    NodeDurationSeconds,
				Help:    "Wall time of finished node executions.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			}, []string{"step_type"}),
			PlanDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    PlanDurationSeconds,
				Help:    "Wall time of finished plan executions.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			}, nil),
		},
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncCounter implements ports.MetricsCollector.
func (c *Collector) IncCounter(ctx context.Context, name string, labels map[string]string) {
	vec, ok := c.counters[name]
	if !ok {
		c.unknown(ctx, name)
		return
	}
	counter, err := vec.GetMetricWith(labels)
	if err != nil {
		c.badLabels(ctx, name, err)
		return
	}
	counter.Inc()
}

// SetGauge implements ports.MetricsCollector.
func (c *Collector) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	vec, ok := c.gauges[name]
	if !ok {
		c.unknown(ctx, name)
		return
	}
	gauge, err := vec.GetMetricWith(labels)
	if err != nil {
		c.badLabels(ctx, name, err)
		return
	}
	gauge.Set(value)
}

// ObserveHistogram implements ports.MetricsCollector.
func (c *Collector) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	vec, ok := c.histograms[name]
	if !ok {
		c.unknown(ctx, name)
		return
	}
	observer, err := vec.GetMetricWith(labels)
	if err != nil {
		c.badLabels(ctx, name, err)
		return
	}
	observer.Observe(value)
}

func (c *Collector) unknown(ctx context.Context, name string) {
	c.logger.Debug(ctx, "ignoring unknown metric", "metric", name)
}

func (c *Collector) badLabels(ctx context.Context, name string, err error) {
	c.logger.Warn(ctx, "metric labels rejected", "metric", name, "error", err)
}
