package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for workflow execution. Optional:
// a nil *Metrics on the engine disables collection.
//
// Metrics exposed (namespaced "agentflow_"):
//
//	node_executions_total{node_type,status}  counter
//	node_duration_ms{node_type}              histogram
//	retries_total{node_type}                 counter
//	loop_iterations_total                    counter
//	branches_total                           counter
//	tokens_total{model,kind}                 counter (kind=prompt|completion)
//	executions_total{status}                 counter
//
// Register against a caller-owned registry and expose it however the
// embedder serves metrics; the engine itself runs no HTTP server.
type Metrics struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	loopIterations prometheus.Counter
	branches       prometheus.Counter
	tokens         *prometheus.CounterVec
	executions     *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "node_executions_total",
			Help:      "Node executions by type and status.",
		}, []string{"node_type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "node_duration_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "retries_total",
			Help:      "Retry attempts by node type.",
		}, []string{"node_type"}),
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "loop_iterations_total",
			Help:      "whileLoop body iterations.",
		}),
		branches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "branches_total",
			Help:      "Parallel branches launched.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and kind.",
		}, []string{"model", "kind"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "executions_total",
			Help:      "Workflow executions by final status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.nodeExecutions, m.nodeDuration, m.retries,
		m.loopIterations, m.branches, m.tokens, m.executions)
	return m
}

func (m *Metrics) recordNode(nodeType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.nodeExecutions.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) recordRetry(nodeType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) recordLoopIteration() {
	if m == nil {
		return
	}
	m.loopIterations.Inc()
}

func (m *Metrics) recordBranch() {
	if m == nil {
		return
	}
	m.branches.Inc()
}

func (m *Metrics) recordTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(model, "completion").Add(float64(completion))
}

func (m *Metrics) recordExecution(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.executions.WithLabelValues(status).Inc()
}
