package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine execution. Optional: a
// nil *Metrics disables collection; all track helpers are nil-safe.
type Metrics struct {
	runsInflight prometheus.Gauge
	stepLatency  *prometheus.HistogramVec
	steps        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	interrupts   *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registerer. A nil
// registerer uses the default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "runs_inflight",
			Help:      "Workflow runs currently executing in this process",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node", "status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "steps_total",
			Help:      "Executed workflow steps by node and status",
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "node_retries_total",
			Help:      "In-node transient retry attempts",
		}, []string{"node"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "interrupts_total",
			Help:      "Engine suspensions at human gates",
		}, []string{"node"}),
	}
}

func (e *Engine[S]) trackRun(delta float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.runsInflight.Add(delta)
}

func (e *Engine[S]) trackStep(node string, began time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.steps.WithLabelValues(node, status).Inc()
	e.metrics.stepLatency.WithLabelValues(node, status).Observe(float64(time.Since(began).Milliseconds()))
}

func (e *Engine[S]) trackRetry(node string) {
	if e.metrics == nil {
		return
	}
	e.metrics.retries.WithLabelValues(node).Inc()
}

func (e *Engine[S]) trackInterrupt(node string) {
	if e.metrics == nil {
		return
	}
	e.metrics.interrupts.WithLabelValues(node).Inc()
}
