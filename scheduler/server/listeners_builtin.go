package server

import (
	"time"

	"github.com/luci/go-render/render"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/scheduler/domain"
)

// LoggingListener writes every lifecycle event to the log.
type LoggingListener struct{}

func (LoggingListener) OnInit(projectID string, runID int64, timestamp time.Time, jobIDs []string) error {
	log.WithFields(log.Fields{
		"projectID": projectID,
		"runID":     runID,
		"timestamp": timestamp,
		"jobIDs":    jobIDs,
	}).Info("Run created")
	return nil
}

func (LoggingListener) OnStart(projectID string, runID int64) error {
	log.WithFields(log.Fields{"projectID": projectID, "runID": runID}).Info("Run started")
	return nil
}

func (LoggingListener) OnStartJob(projectID string, runID int64, jobID string) error {
	log.WithFields(log.Fields{"projectID": projectID, "runID": runID, "jobID": jobID}).Info("Job started")
	return nil
}

func (LoggingListener) OnFinishJob(projectID string, runID int64, data domain.JobData, status domain.RunStatus) error {
	fields := log.Fields{
		"projectID": projectID,
		"runID":     runID,
		"jobID":     data.JobID,
		"status":    status,
	}
	log.WithFields(fields).Info("Job finished")
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(fields).Debugf("Job data: %s", render.Render(data))
	}
	return nil
}

func (LoggingListener) OnFinish(projectID string, runID int64, status domain.RunStatus) error {
	log.WithFields(log.Fields{"projectID": projectID, "runID": runID, "status": status}).Info("Run finished")
	return nil
}

// StatsListener counts lifecycle events.
type StatsListener struct {
	NopListener
	stat stats.StatsReceiver
}

func NewStatsListener(stat stats.StatsReceiver) *StatsListener {
	return &StatsListener{stat: stat}
}

func (s *StatsListener) OnInit(string, int64, time.Time, []string) error {
	s.stat.Counter(stats.SchedRunsInitCounter).Inc(1)
	return nil
}

func (s *StatsListener) OnStart(string, int64) error {
	s.stat.Counter(stats.SchedRunsStartedCounter).Inc(1)
	return nil
}

func (s *StatsListener) OnFinishJob(_ string, _ int64, _ domain.JobData, status domain.RunStatus) error {
	s.stat.Counter(stats.SchedJobsFinishedCounter, status.String()).Inc(1)
	return nil
}

func (s *StatsListener) OnFinish(_ string, _ int64, status domain.RunStatus) error {
	s.stat.Counter(stats.SchedRunsFinishedCounter, status.String()).Inc(1)
	return nil
}
