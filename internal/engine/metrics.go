package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько запусков стартовало
	RunsStarted *prometheus.CounterVec

	// Итоги запусков по терминальному статусу
	RunsFinished *prometheus.CounterVec

	// Сколько узлов ушло в исполнение
	NodeDispatches *prometheus.CounterVec

	// Latency: длительность одной попытки исполнения capability
	AttemptDuration *prometheus.HistogramVec

	// Saturation: глубина очереди переоценок (backpressure)
	EvalQueueDepth prometheus.Gauge

	// Сколько approvals сейчас ждут решения
	ApprovalsPending prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: без регистратора метрики живут в локальном,
	// который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunsStarted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aflow_runs_started_total",
			Help: "Total number of workflow runs started.",
		}, []string{"workflow_id"}),

		RunsFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aflow_runs_finished_total",
			Help: "Total number of workflow runs finished, by terminal status.",
		}, []string{"workflow_id", "status"}),

		NodeDispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aflow_node_dispatches_total",
			Help: "Total number of node dispatches to the executor.",
		}, []string{"agent_id", "capability"}),

		AttemptDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aflow_attempt_duration_seconds",
			Help:    "Histogram of capability attempt latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"agent_id", "capability", "status"}),

		EvalQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aflow_eval_queue_depth",
			Help: "Current number of runs waiting for re-evaluation.",
		}),

		ApprovalsPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aflow_approvals_pending",
			Help: "Current number of approvals waiting for a decision.",
		}),
	}
}
