package server

//go:generate mockgen -source=job.go -package=server -destination=job_mock.go

import (
	"context"

	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/scheduler/domain"
)

// Job is the scheduler's handle on one configured job. The scheduler owns
// run state and the stale flag; everything touching the cluster goes
// through this interface.
type Job interface {
	// Launch submits the job's work for runID, tagged with its JobOwner
	// token, and returns once submitted. Completion arrives later through
	// JobRunner.Finished.
	Launch(ctx context.Context, runID int64) error

	// Cancel asks the cluster to stop whatever was submitted for runID.
	Cancel(ctx context.Context, runID int64) (batch.CancelResult, error)

	// Lookup reports what the cluster knows about the work submitted for
	// runID. known is false when the cluster has no record of it.
	Lookup(ctx context.Context, runID int64) (status domain.RunStatus, known bool, err error)

	// Finished runs post-success side effects. Never called for failed or
	// canceled jobs.
	Finished(ctx context.Context) error

	// Data is the snapshot passed to listeners.
	Data(ctx context.Context) (domain.JobData, error)
}

// JobFactory turns a stored job document into a Job.
type JobFactory func(doc *domain.JobDoc) (Job, error)
