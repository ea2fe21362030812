package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/server"
)

const (
	MetricsPrefix = "pipesched_"
	ProjectLabel  = "project"
	StatusLabel   = "status"
)

// PrometheusListener exports run lifecycle events as prometheus metrics.
type PrometheusListener struct {
	server.NopListener

	runsCreated  *prometheus.CounterVec
	runsRunning  *prometheus.GaugeVec
	runsFinished *prometheus.CounterVec
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	lastFinish   *prometheus.GaugeVec

	started sync.Map // runKey -> true
}

type runKey struct {
	projectID string
	runID     int64
}

func NewPrometheusListener(reg prometheus.Registerer) *PrometheusListener {
	factory := promauto.With(reg)
	return &PrometheusListener{
		runsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "runs_created_total",
			Help: "Number of project runs created",
		}, []string{ProjectLabel}),
		runsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricsPrefix + "runs_running",
			Help: "Number of project runs currently running",
		}, []string{ProjectLabel}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "runs_finished_total",
			Help: "Number of project runs finished, by final status",
		}, []string{ProjectLabel, StatusLabel}),
		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_started_total",
			Help: "Number of jobs started",
		}, []string{ProjectLabel}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_finished_total",
			Help: "Number of jobs finished, by status",
		}, []string{ProjectLabel, StatusLabel}),
		lastFinish: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricsPrefix + "last_run_finish_timestamp_seconds",
			Help: "Unix time the latest run of a project finished",
		}, []string{ProjectLabel}),
	}
}

func (p *PrometheusListener) OnInit(projectID string, _ int64, _ time.Time, _ []string) error {
	p.runsCreated.WithLabelValues(projectID).Inc()
	return nil
}

func (p *PrometheusListener) OnStart(projectID string, runID int64) error {
	p.started.Store(runKey{projectID, runID}, true)
	p.runsRunning.WithLabelValues(projectID).Inc()
	return nil
}

func (p *PrometheusListener) OnStartJob(projectID string, _ int64, _ string) error {
	p.jobsStarted.WithLabelValues(projectID).Inc()
	return nil
}

func (p *PrometheusListener) OnFinishJob(projectID string, _ int64, _ domain.JobData, status domain.RunStatus) error {
	p.jobsFinished.WithLabelValues(projectID, status.String()).Inc()
	return nil
}

// OnFinish also fires for queued runs canceled before they started, those
// never counted as running.
func (p *PrometheusListener) OnFinish(projectID string, runID int64, status domain.RunStatus) error {
	if _, ok := p.started.LoadAndDelete(runKey{projectID, runID}); ok {
		p.runsRunning.WithLabelValues(projectID).Dec()
	}
	p.runsFinished.WithLabelValues(projectID, status.String()).Inc()
	p.lastFinish.WithLabelValues(projectID).SetToCurrentTime()
	return nil
}
