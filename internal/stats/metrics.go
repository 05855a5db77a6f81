package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the lab.
type Metrics struct {
	// Agent actions
	ActionsTotal *prometheus.CounterVec // lab_agent_actions_total{action,compromised}

	// Simulation jobs
	JobsTotal   *prometheus.CounterVec // lab_jobs_total{status}
	JobsRunning prometheus.Gauge
	StagesTotal *prometheus.CounterVec // lab_job_stages_total{outcome}

	// Ingestion
	IngestedRows    prometheus.Counter
	IngestedObjects prometheus.Counter

	// Rule optimizer
	OptimizerRuns *prometheus.CounterVec // lab_optimizer_runs_total{strategy,outcome}
	QueueDepth    prometheus.Gauge
}

// NewMetrics registers the lab collectors with registry. A nil registry uses
// the default Prometheus registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_agent_actions_total",
			Help: "Named API calls performed by simulated identities",
		}, []string{"action", "compromised"}),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_jobs_total",
			Help: "Simulation jobs by terminal status",
		}, []string{"status"}),

		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lab_jobs_running",
			Help: "Simulation jobs currently running",
		}),

		StagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_job_stages_total",
			Help: "Technique stages by outcome",
		}, []string{"outcome"}),

		IngestedRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "lab_ingest_rows_total",
			Help: "CloudTrail rows kept after filtering",
		}),

		IngestedObjects: factory.NewCounter(prometheus.CounterOpts{
			Name: "lab_ingest_objects_total",
			Help: "CloudTrail objects downloaded",
		}),

		OptimizerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_optimizer_runs_total",
			Help: "Rule optimizer jobs by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lab_optimizer_queue_depth",
			Help: "Rule optimizer jobs waiting in the queue",
		}),
	}
}

func (m *Metrics) observeAction(action string, compromised bool) {
	m.ActionsTotal.WithLabelValues(action, strconv.FormatBool(compromised)).Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// JobFinished records a job's terminal status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
}

// StageFinished records one technique stage outcome.
func (m *Metrics) StageFinished(outcome string) {
	if m == nil {
		return
	}
	m.StagesTotal.WithLabelValues(outcome).Inc()
}

// Ingested records downloaded objects and kept rows.
func (m *Metrics) Ingested(objects, rows int) {
	if m == nil {
		return
	}
	m.IngestedObjects.Add(float64(objects))
	m.IngestedRows.Add(float64(rows))
}

// OptimizerRun records one optimizer job.
func (m *Metrics) OptimizerRun(strategy string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OptimizerRuns.WithLabelValues(strategy, outcome).Inc()
}

// SetQueueDepth reports the optimizer backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
