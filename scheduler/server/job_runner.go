package server

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/graph"
)

const (
	// Launch only submits work, it shouldn't take long.
	DefaultLaunchTimeout = 30 * time.Second

	DefaultCancelTimeout = 30 * time.Second
)

type Config struct {
	// Upper bound for a single Job.Launch call.
	LaunchTimeout time.Duration

	// Upper bound for a single Job.Cancel call.
	CancelTimeout time.Duration
}

// InvalidRequestError is returned by Init when the request itself is wrong:
// unknown jobs, jobs of another project, duplicates or cycles.
type InvalidRequestError struct {
	msg string
}

func (e *InvalidRequestError) Error() string { return e.msg }

func invalidRequest(format string, args ...interface{}) error {
	return errors.WithStack(&InvalidRequestError{msg: fmt.Sprintf(format, args...)})
}

func IsInvalidRequest(err error) bool {
	_, ok := errors.Cause(err).(*InvalidRequestError)
	return ok
}

// JobRunner advances project runs one job at a time.
//
// Each project has a queue of runs, oldest first, and only the oldest run
// that hasn't finished makes progress. Within it jobs start one at a time
// in the run's fixed order. Init, Finished and Cancel may be called from
// any goroutine; they serialize per project, and everything they decide is
// re-read from the store, so redundant calls are harmless.
type JobRunner struct {
	store     runstore.Store
	factory   JobFactory
	stat      stats.StatsReceiver
	config    Config
	listeners *Listeners
	locks     *projectLocks
	now       func() time.Time
}

func NewJobRunner(store runstore.Store, factory JobFactory, stat stats.StatsReceiver, config Config) *JobRunner {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if config.LaunchTimeout <= 0 {
		config.LaunchTimeout = DefaultLaunchTimeout
	}
	if config.CancelTimeout <= 0 {
		config.CancelTimeout = DefaultCancelTimeout
	}
	return &JobRunner{
		store:     store,
		factory:   factory,
		stat:      stat,
		config:    config,
		listeners: NewListeners(stat),
		locks:     newProjectLocks(),
		now:       time.Now,
	}
}

func (r *JobRunner) AddListener(l Listener) ListenerKey {
	return r.listeners.Add(l)
}

func (r *JobRunner) RemoveListener(key ListenerKey) bool {
	return r.listeners.Remove(key)
}

// Init queues a run of jobIDs, ordered so that every job runs after its
// inputs, and starts it if nothing else in the project is running.
// Nothing is stored when any job can't be resolved.
func (r *JobRunner) Init(ctx context.Context, projectID string, jobIDs []string, userID string) (int64, error) {
	unlock := r.locks.lock(projectID)
	defer unlock()

	for _, id := range jobIDs {
		doc, err := r.store.GetJob(ctx, id)
		if runstore.IsNotFound(err) {
			return 0, invalidRequest("unknown job %s", id)
		}
		if err != nil {
			return 0, errors.Wrapf(err, "resolving job %s", id)
		}
		if doc.ProjectID != projectID {
			return 0, invalidRequest("job %s belongs to project %s, not %s", id, doc.ProjectID, projectID)
		}
		if _, err := r.factory(doc); err != nil {
			return 0, invalidRequest("job %s: %v", id, err)
		}
	}

	g, _, err := r.projectGraph(ctx, projectID)
	if err != nil {
		return 0, err
	}
	order, err := g.TopoSort(jobIDs)
	if err != nil {
		return 0, invalidRequest("ordering jobs of %s: %v", projectID, err)
	}

	run := domain.NewProjectRun(projectID, order, userID, r.now())
	runID, err := r.store.CreateRun(ctx, run)
	if err != nil {
		return 0, errors.Wrapf(err, "storing run of %s", projectID)
	}
	log.WithFields(log.Fields{
		"projectID": projectID,
		"runID":     runID,
		"jobIDs":    order,
		"userID":    userID,
	}).Info("Created run")
	r.listeners.OnInit(projectID, runID, run.Timestamp, order)

	running, err := r.hasRunningRun(ctx, projectID)
	if err != nil {
		return runID, err
	}
	if !running {
		if err := r.advance(ctx, projectID); err != nil {
			return runID, err
		}
	}
	return runID, nil
}

// Finished records the outcome of jobID in runID and moves on to whatever
// comes next. Unknown jobs or runs and jobs that aren't running are
// ignored, so duplicate completion signals are harmless.
func (r *JobRunner) Finished(ctx context.Context, runID int64, jobID string, status domain.RunStatus) error {
	if !status.IsTerminal() {
		return errors.Errorf("job %s of run %d can't finish as %s", jobID, runID, status)
	}
	doc, err := r.store.GetJob(ctx, jobID)
	if runstore.IsNotFound(err) {
		r.stat.Counter(stats.SchedStaleFinishCounter).Inc(1)
		log.WithFields(log.Fields{"runID": runID, "jobID": jobID, "status": status}).Warn("Finish for unknown job")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "resolving job %s", jobID)
	}

	unlock := r.locks.lock(doc.ProjectID)
	defer unlock()
	return r.finished(ctx, doc.ProjectID, runID, jobID, status)
}

func (r *JobRunner) finished(ctx context.Context, projectID string, runID int64, jobID string, status domain.RunStatus) error {
	fields := log.Fields{"projectID": projectID, "runID": runID, "jobID": jobID, "status": status}
	run, err := r.store.GetRun(ctx, projectID, runID)
	if runstore.IsNotFound(err) {
		r.stat.Counter(stats.SchedStaleFinishCounter).Inc(1)
		log.WithFields(fields).Warn("Finish for unknown run")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading run %d of %s", runID, projectID)
	}

	jr := run.Job(jobID)
	if jr == nil {
		panic(fmt.Sprintf("job %s missing from run %d of project %s", jobID, runID, projectID))
	}
	if jr.Status != domain.Running {
		r.stat.Counter(stats.SchedStaleFinishCounter).Inc(1)
		log.WithFields(fields).WithField("current", jr.Status).Info("Ignoring finish for job that isn't running")
		return nil
	}

	if err := r.finishJob(ctx, run, jr, status); err != nil {
		return err
	}
	return r.advance(ctx, projectID)
}

// Cancel stops runID. Waiting jobs are canceled on the spot and running
// jobs are asked to cancel on the cluster. When the cluster finishes the
// cancel asynchronously the run completes on the later Finished call.
// Errors canceling individual jobs are collected and returned once every
// job was visited; those jobs stay Running.
func (r *JobRunner) Cancel(ctx context.Context, projectID string, runID int64) error {
	unlock := r.locks.lock(projectID)
	defer unlock()

	r.stat.Counter(stats.SchedCancelCounter).Inc(1)
	fields := log.Fields{"projectID": projectID, "runID": runID}
	run, err := r.store.GetRun(ctx, projectID, runID)
	if runstore.IsNotFound(err) {
		log.WithFields(fields).Warn("Cancel for unknown run")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading run %d of %s", runID, projectID)
	}
	if !run.IsActive() {
		log.WithFields(fields).WithField("status", run.Status).Info("Cancel for finished run")
		return nil
	}

	for _, jr := range run.JobsWithStatus(domain.Waiting) {
		jr.Status = domain.Canceled
		if err := r.store.UpdateRun(ctx, run); err != nil {
			return errors.Wrapf(err, "canceling job %s of run %d", jr.JobID, runID)
		}
		r.listeners.OnFinishJob(projectID, runID, r.jobData(ctx, jr.JobID, nil), domain.Canceled)
	}

	var errs *multierror.Error
	var immediate []string
	pending := false
	for _, jr := range run.JobsWithStatus(domain.Running) {
		result, err := r.cancelJob(ctx, jr.JobID, runID)
		if err != nil {
			r.stat.Counter(stats.SchedCancelErrCounter).Inc(1)
			log.WithFields(fields).WithFields(log.Fields{"jobID": jr.JobID, "err": err}).Error("Failed to cancel job")
			errs = multierror.Append(errs, errors.Wrapf(err, "canceling job %s of run %d", jr.JobID, runID))
			continue
		}
		log.WithFields(fields).WithFields(log.Fields{"jobID": jr.JobID, "result": result}).Info("Canceled job on cluster")
		switch result {
		case batch.UnknownJob, batch.AllCanceled:
			immediate = append(immediate, jr.JobID)
		case batch.CancelRequested:
			pending = true
		}
	}

	for _, jobID := range immediate {
		if err := r.finished(ctx, projectID, runID, jobID, domain.Canceled); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if len(immediate) == 0 && !pending && errs == nil {
		// No finish event will ever arrive for this run. Finished as
		// Canceled, not AggregateStatus, which reads Succeeded with no jobs.
		if err := r.finishRun(ctx, run, domain.Canceled); err != nil {
			return err
		}
		if err := r.advance(ctx, projectID); err != nil {
			return err
		}
	}
	return errs.ErrorOrNil()
}

// Resume advances every project with an unfinished run. Called once at
// startup so runs queued before a restart make progress again.
func (r *JobRunner) Resume(ctx context.Context) error {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return errors.Wrap(err, "listing projects")
	}
	var errs *multierror.Error
	for _, projectID := range projects {
		if err := r.resume(ctx, projectID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (r *JobRunner) resume(ctx context.Context, projectID string) error {
	unlock := r.locks.lock(projectID)
	defer unlock()

	run, err := r.activeRun(ctx, projectID)
	if err != nil || run == nil {
		return err
	}
	r.stat.Counter(stats.SchedResumedProjectsCounter).Inc(1)
	log.WithFields(log.Fields{"projectID": projectID, "run": run}).Info("Resuming project")
	if jr := run.RunningJob(); jr != nil {
		if err := r.settleRunningJob(ctx, run, jr); err != nil {
			return err
		}
	}
	return r.advance(ctx, projectID)
}

// settleRunningJob finishes a job stored as Running when its completion
// can no longer arrive: the cluster already ended it, or never heard of it.
// Work the cluster still runs is left alone. Must hold the project lock.
func (r *JobRunner) settleRunningJob(ctx context.Context, run *domain.ProjectRun, jr *domain.JobRun) error {
	fields := log.Fields{"projectID": run.ProjectID, "runID": run.RequireID(), "jobID": jr.JobID}
	job, err := r.job(ctx, jr.JobID)
	if err != nil {
		return err
	}
	status, known, err := job.Lookup(ctx, run.RequireID())
	if err != nil {
		return errors.Wrapf(err, "looking up job %s of run %d", jr.JobID, run.RequireID())
	}
	switch {
	case !known:
		// Lost with the cluster that ran it.
		status = domain.Failed
	case !status.IsTerminal():
		log.WithFields(fields).Info("Job still running on cluster")
		return nil
	}
	r.stat.Counter(stats.SchedResumeSettledCounter).Inc(1)
	log.WithFields(fields).WithFields(log.Fields{"known": known, "status": status}).Warn("Settling job left running before restart")
	return r.finishJob(ctx, run, jr, status)
}

// OwnerEnded handles a batch cluster completion event. Tokens that don't
// decode belong to someone else and are dropped.
func (r *JobRunner) OwnerEnded(owner string, result batch.ResultType) {
	o := domain.DecodeJobOwnerString(owner)
	if o == nil {
		r.stat.Counter(stats.SchedMalformedOwnerCounter).Inc(1)
		return
	}
	if err := r.Finished(context.Background(), o.RunID, o.JobID, domain.ResultStatus(result)); err != nil {
		log.WithFields(log.Fields{"owner": owner, "result": result, "err": err}).Error("Failed to finish job")
	}
}

func (r *JobRunner) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	return r.store.ListRuns(ctx, projectID)
}

func (r *JobRunner) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	return r.store.GetRun(ctx, projectID, runID)
}

// GetRunData returns the run together with what the cluster knows about each of its jobs.
func (r *JobRunner) GetRunData(ctx context.Context, querier batch.Querier, projectID string, runID int64) (domain.ProjectRunData, error) {
	run, err := r.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return domain.ProjectRunData{}, err
	}
	return run.ToData(ctx, querier)
}

// advance moves the project's oldest unfinished run forward until a job
// is running or no run is left. Must hold the project lock.
func (r *JobRunner) advance(ctx context.Context, projectID string) error {
	for {
		run, err := r.activeRun(ctx, projectID)
		if err != nil || run == nil {
			return err
		}
		runID := run.RequireID()

		if run.Status == domain.Waiting {
			run.Status = domain.Running
			if err := r.store.UpdateRun(ctx, run); err != nil {
				return errors.Wrapf(err, "starting run %d of %s", runID, projectID)
			}
			log.WithFields(log.Fields{"projectID": projectID, "runID": runID}).Info("Started run")
			r.listeners.OnStart(projectID, runID)
		}

		if run.RunningJob() != nil {
			return nil
		}
		next := run.FirstWaitingJob()
		if next == nil {
			if err := r.finishRun(ctx, run, run.AggregateStatus()); err != nil {
				return err
			}
			continue
		}
		launched, err := r.startJob(ctx, run, next)
		if err != nil || launched {
			return err
		}
	}
}

// startJob marks jr and everything downstream of it stale, then launches
// it. A failed launch finishes the job as Failed and reports launched=false.
func (r *JobRunner) startJob(ctx context.Context, run *domain.ProjectRun, jr *domain.JobRun) (bool, error) {
	projectID, runID := run.ProjectID, run.RequireID()
	fields := log.Fields{"projectID": projectID, "runID": runID, "jobID": jr.JobID}

	g, docs, err := r.projectGraph(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, id := range g.JobsIterative([]string{jr.JobID}) {
		if docs[id].Stale {
			continue
		}
		_, err := r.store.UpdateJob(ctx, id, func(doc *domain.JobDoc) error {
			doc.Stale = true
			return nil
		})
		if err != nil {
			return false, errors.Wrapf(err, "marking job %s stale", id)
		}
	}

	jr.Status = domain.Running
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return false, errors.Wrapf(err, "starting job %s of run %d", jr.JobID, runID)
	}
	r.listeners.OnStartJob(projectID, runID, jr.JobID)

	err = r.launch(ctx, jr.JobID, runID)
	if err == nil {
		r.stat.Counter(stats.SchedJobsLaunchedCounter).Inc(1)
		log.WithFields(fields).Info("Launched job")
		return true, nil
	}

	r.stat.Counter(stats.SchedJobLaunchErrCounter).Inc(1)
	log.WithFields(fields).WithField("err", err).Error("Failed to launch job, marking it failed")
	return false, r.finishJob(ctx, run, jr, domain.Failed)
}

func (r *JobRunner) launch(ctx context.Context, jobID string, runID int64) error {
	defer r.stat.Latency(stats.SchedLaunchLatency_ms).Time().Stop()
	job, err := r.job(ctx, jobID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.LaunchTimeout)
	defer cancel()
	return job.Launch(ctx, runID)
}

func (r *JobRunner) cancelJob(ctx context.Context, jobID string, runID int64) (batch.CancelResult, error) {
	job, err := r.job(ctx, jobID)
	if err != nil {
		return batch.UnknownJob, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.CancelTimeout)
	defer cancel()
	return job.Cancel(ctx, runID)
}

// finishJob moves a running job to status and finishes the run when
// nothing is left to start. Doesn't advance.
func (r *JobRunner) finishJob(ctx context.Context, run *domain.ProjectRun, jr *domain.JobRun, status domain.RunStatus) error {
	projectID, runID := run.ProjectID, run.RequireID()
	fields := log.Fields{"projectID": projectID, "runID": runID, "jobID": jr.JobID, "status": status}

	jr.Status = status
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return errors.Wrapf(err, "finishing job %s of run %d", jr.JobID, runID)
	}
	log.WithFields(fields).Info("Finished job")

	var job Job
	if status == domain.Succeeded {
		doc, err := r.store.UpdateJob(ctx, jr.JobID, func(doc *domain.JobDoc) error {
			doc.Stale = false
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "clearing stale flag of job %s", jr.JobID)
		}
		if job, err = r.factory(doc); err != nil {
			log.WithFields(fields).WithField("err", err).Error("Failed to resolve finished job")
		} else if err := job.Finished(ctx); err != nil {
			log.WithFields(fields).WithField("err", err).Error("Job finished hook failed")
		}
	}
	r.listeners.OnFinishJob(projectID, runID, r.jobData(ctx, jr.JobID, job), status)

	if !run.HasWaitingJobs() && run.RunningJob() == nil {
		return r.finishRun(ctx, run, run.AggregateStatus())
	}
	return nil
}

func (r *JobRunner) finishRun(ctx context.Context, run *domain.ProjectRun, status domain.RunStatus) error {
	run.Status = status
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return errors.Wrapf(err, "finishing run %d of %s", run.RequireID(), run.ProjectID)
	}
	log.WithFields(log.Fields{"projectID": run.ProjectID, "runID": *run.ID, "status": run.Status}).Info("Finished run")
	r.listeners.OnFinish(run.ProjectID, *run.ID, run.Status)
	return nil
}

// jobData fetches a fresh snapshot for listeners. Failures fall back to
// the bare job id, listeners still hear about the event.
func (r *JobRunner) jobData(ctx context.Context, jobID string, job Job) domain.JobData {
	fallback := domain.JobData{JobID: jobID}
	if job == nil {
		var err error
		if job, err = r.job(ctx, jobID); err != nil {
			log.WithFields(log.Fields{"jobID": jobID, "err": err}).Warn("Failed to resolve job for listeners")
			return fallback
		}
	}
	data, err := job.Data(ctx)
	if err != nil {
		log.WithFields(log.Fields{"jobID": jobID, "err": err}).Warn("Failed to read job data for listeners")
		return fallback
	}
	return data
}

func (r *JobRunner) job(ctx context.Context, jobID string) (Job, error) {
	doc, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving job %s", jobID)
	}
	return r.factory(doc)
}

func (r *JobRunner) projectGraph(ctx context.Context, projectID string) (*graph.Graph, map[string]*domain.JobDoc, error) {
	docs, err := r.store.ListJobs(ctx, projectID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing jobs of %s", projectID)
	}
	g, err := graph.New(docs)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "building graph of %s", projectID)
	}
	byID := make(map[string]*domain.JobDoc, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	return g, byID, nil
}

// activeRun returns the oldest run that hasn't finished, nil if there is none.
func (r *JobRunner) activeRun(ctx context.Context, projectID string) (*domain.ProjectRun, error) {
	runs, err := r.store.ListRuns(ctx, projectID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing runs of %s", projectID)
	}
	for _, run := range runs {
		if run.IsActive() {
			return run, nil
		}
	}
	return nil, nil
}

func (r *JobRunner) hasRunningRun(ctx context.Context, projectID string) (bool, error) {
	runs, err := r.store.ListRuns(ctx, projectID)
	if err != nil {
		return false, errors.Wrapf(err, "listing runs of %s", projectID)
	}
	for _, run := range runs {
		if run.Status == domain.Running {
			return true, nil
		}
	}
	return false, nil
}
