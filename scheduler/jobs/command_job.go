// Package jobs turns stored job documents into runnable jobs that submit
// their command to a batch cluster.
package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/server"
)

// CommandJob runs the document's command on the cluster, as an array job
// when ArraySize is set.
type CommandJob struct {
	doc     *domain.JobDoc
	cluster batch.Cluster
	store   runstore.JobStore
	now     func() time.Time
}

var _ server.Job = (*CommandJob)(nil)

// NewFactory makes CommandJobs submitting to cluster. Documents without a
// command are rejected.
func NewFactory(cluster batch.Cluster, store runstore.JobStore) server.JobFactory {
	return func(doc *domain.JobDoc) (server.Job, error) {
		if len(doc.Command) == 0 {
			return nil, errors.Errorf("job %s has no command", doc.ID)
		}
		return &CommandJob{doc: doc.Copy(), cluster: cluster, store: store, now: time.Now}, nil
	}
}

func (j *CommandJob) owner(runID int64) string {
	return domain.JobOwner{JobID: j.doc.ID, RunID: runID}.Encode()
}

func (j *CommandJob) Launch(ctx context.Context, runID int64) error {
	owner := j.owner(runID)
	id, err := j.cluster.Submit(ctx, owner, batch.Submission{
		Name:      j.doc.Name,
		Command:   j.doc.Command,
		ArraySize: j.doc.ArraySize,
	})
	if err != nil {
		return errors.Wrapf(err, "submitting job %s", j.doc.ID)
	}
	log.WithFields(log.Fields{
		"jobID":        j.doc.ID,
		"owner":        owner,
		"clusterJobID": id,
	}).Debug("Submitted job")
	return nil
}

func (j *CommandJob) Cancel(ctx context.Context, runID int64) (batch.CancelResult, error) {
	return j.cluster.Cancel(ctx, j.owner(runID))
}

// Lookup folds the owner's cluster records into one status: Running while
// any record is unfinished, otherwise the worst outcome among them.
func (j *CommandJob) Lookup(ctx context.Context, runID int64) (domain.RunStatus, bool, error) {
	records, err := j.cluster.GetByOwner(ctx, j.owner(runID))
	if err != nil {
		return domain.Waiting, false, errors.Wrapf(err, "querying job %s", j.doc.ID)
	}
	if len(records) == 0 {
		return domain.Waiting, false, nil
	}
	status := domain.Succeeded
	for i := range records {
		switch s := domain.DeriveClusterStatus(&records[i]); {
		case !s.IsTerminal():
			return domain.Running, true, nil
		case s == domain.Failed:
			status = domain.Failed
		case s == domain.Canceled && status == domain.Succeeded:
			status = domain.Canceled
		}
	}
	return status, true, nil
}

// Finished records when the job last succeeded.
func (j *CommandJob) Finished(ctx context.Context) error {
	now := j.now()
	_, err := j.store.UpdateJob(ctx, j.doc.ID, func(doc *domain.JobDoc) error {
		doc.LastSucceeded = &now
		return nil
	})
	return err
}

func (j *CommandJob) Data(ctx context.Context) (domain.JobData, error) {
	doc, err := j.store.GetJob(ctx, j.doc.ID)
	if err != nil {
		return domain.JobData{}, err
	}
	return doc.Data(), nil
}
