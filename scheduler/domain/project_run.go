package domain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/twitter/pipesched/batch"
)

// JobRun is the status of one job within a ProjectRun.
// Status is only ever written by the scheduler.
type JobRun struct {
	JobID  string    `json:"jobId"`
	Status RunStatus `json:"status"`
}

func NewJobRun(jobID string) *JobRun {
	return &JobRun{JobID: jobID, Status: Waiting}
}

func (j *JobRun) Owner(runID int64) JobOwner {
	return JobOwner{JobID: j.JobID, RunID: runID}
}

// ClusterJobData is the derived, display-only view of one cluster job.
type ClusterJobData struct {
	Record batch.Record `json:"record"`
	Status RunStatus    `json:"status"`
}

// JobRunData is the read-only view of a JobRun together with its cluster jobs.
type JobRunData struct {
	JobID       string           `json:"jobId"`
	Status      RunStatus        `json:"status"`
	ClusterJobs []ClusterJobData `json:"clusterJobs"`
}

// ToData queries the cluster for everything submitted under this job's
// owner token. Records are ordered by their earliest history timestamp,
// records without one sort last.
func (j *JobRun) ToData(ctx context.Context, querier batch.Querier, runID int64) (JobRunData, error) {
	data := JobRunData{JobID: j.JobID, Status: j.Status, ClusterJobs: []ClusterJobData{}}
	records, err := querier.GetByOwner(ctx, j.Owner(runID).Encode())
	if err != nil {
		return data, err
	}
	SortRecords(records)
	for _, r := range records {
		data.ClusterJobs = append(data.ClusterJobs, ClusterJobData{Record: r, Status: DeriveClusterStatus(&r)})
	}
	return data, nil
}

// SortRecords orders records by earliest history timestamp, untimed last.
func SortRecords(records []batch.Record) {
	sort.SliceStable(records, func(a, b int) bool {
		ta, okA := records[a].EarliestTime()
		tb, okB := records[b].EarliestTime()
		switch {
		case okA && okB:
			return ta.Before(tb)
		case okA:
			return true
		default:
			return false
		}
	})
}

// DeriveClusterStatus maps a cluster record onto a RunStatus for display.
func DeriveClusterStatus(r *batch.Record) RunStatus {
	if r.Canceled {
		return Canceled
	}

	if p := r.ArrayProgress; p != nil {
		switch {
		case p.Ended >= p.Started && p.Failed > 0:
			return Failed
		case p.Ended >= p.Started:
			return Succeeded
		case p.Started > 0:
			return Running
		default:
			return Waiting
		}
	}

	switch {
	case r.HasStatus(batch.Ended):
		if r.Result == nil {
			return Failed
		}
		return ResultStatus(*r.Result)
	case r.HasStatus(batch.Abandoned):
		return Failed
	case r.HasStatus(batch.Started):
		return Running
	default:
		return Waiting
	}
}

// ResultStatus maps a cluster result onto the terminal RunStatus.
func ResultStatus(r batch.ResultType) RunStatus {
	switch r {
	case batch.Success:
		return Succeeded
	case batch.Canceled:
		return Canceled
	default:
		return Failed
	}
}

// ProjectRun is one queued execution of an ordered set of a project's jobs.
// Jobs is fixed at creation; ID is assigned by the store.
type ProjectRun struct {
	ID            *int64    `json:"id,omitempty"`
	ProjectID     string    `json:"projectId"`
	Timestamp     time.Time `json:"timestamp"`
	Jobs          []*JobRun `json:"jobs"`
	RunningUserID string    `json:"runningUserId,omitempty"`
	Status        RunStatus `json:"status"`
}

// NewProjectRun builds a Waiting run over jobIDs, which must already be in
// topological order.
func NewProjectRun(projectID string, jobIDs []string, userID string, now time.Time) *ProjectRun {
	jobs := make([]*JobRun, 0, len(jobIDs))
	for _, id := range jobIDs {
		jobs = append(jobs, NewJobRun(id))
	}
	return &ProjectRun{
		ProjectID:     projectID,
		Timestamp:     now,
		Jobs:          jobs,
		RunningUserID: userID,
		Status:        Waiting,
	}
}

func (r *ProjectRun) String() string {
	id := "unsaved"
	if r.ID != nil {
		id = fmt.Sprintf("%d", *r.ID)
	}
	return fmt.Sprintf("run:%s, project:%s, status:%s, jobs:%d", id, r.ProjectID, r.Status, len(r.Jobs))
}

// RequireID returns the stored id. Mutating an unsaved run is a bug.
func (r *ProjectRun) RequireID() int64 {
	if r.ID == nil {
		panic(fmt.Sprintf("project run for %s has not been saved", r.ProjectID))
	}
	return *r.ID
}

func (r *ProjectRun) Job(jobID string) *JobRun {
	for _, j := range r.Jobs {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

func (r *ProjectRun) JobIDs() []string {
	ids := make([]string, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		ids = append(ids, j.JobID)
	}
	return ids
}

func (r *ProjectRun) JobsWithStatus(status RunStatus) []*JobRun {
	var jobs []*JobRun
	for _, j := range r.Jobs {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

func (r *ProjectRun) RunningJob() *JobRun {
	for _, j := range r.Jobs {
		if j.Status == Running {
			return j
		}
	}
	return nil
}

func (r *ProjectRun) FirstWaitingJob() *JobRun {
	for _, j := range r.Jobs {
		if j.Status == Waiting {
			return j
		}
	}
	return nil
}

func (r *ProjectRun) HasWaitingJobs() bool {
	return r.FirstWaitingJob() != nil
}

// IsActive is true for runs that still need to be advanced.
func (r *ProjectRun) IsActive() bool {
	return r.Status == Waiting || r.Status == Running
}

// AggregateStatus computes the final run status from its jobs.
// Canceled wins over Failed, which wins over Succeeded. No jobs means Succeeded.
func (r *ProjectRun) AggregateStatus() RunStatus {
	failed := false
	for _, j := range r.Jobs {
		switch j.Status {
		case Canceled:
			return Canceled
		case Failed:
			failed = true
		}
	}
	if failed {
		return Failed
	}
	return Succeeded
}

// Copy returns a deep copy of the run.
func (r *ProjectRun) Copy() *ProjectRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.ID != nil {
		id := *r.ID
		c.ID = &id
	}
	c.Jobs = make([]*JobRun, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		jc := *j
		c.Jobs = append(c.Jobs, &jc)
	}
	return &c
}

// ProjectRunData is the read-only view of a run served by the API.
type ProjectRunData struct {
	ID            int64        `json:"id"`
	ProjectID     string       `json:"projectId"`
	Timestamp     time.Time    `json:"timestamp"`
	RunningUserID string       `json:"runningUserId,omitempty"`
	Status        RunStatus    `json:"status"`
	Jobs          []JobRunData `json:"jobs"`
}

func (r *ProjectRun) ToData(ctx context.Context, querier batch.Querier) (ProjectRunData, error) {
	runID := r.RequireID()
	data := ProjectRunData{
		ID:            runID,
		ProjectID:     r.ProjectID,
		Timestamp:     r.Timestamp,
		RunningUserID: r.RunningUserID,
		Status:        r.Status,
		Jobs:          make([]JobRunData, 0, len(r.Jobs)),
	}
	for _, j := range r.Jobs {
		jd, err := j.ToData(ctx, querier, runID)
		if err != nil {
			return data, err
		}
		data.Jobs = append(data.Jobs, jd)
	}
	return data, nil
}
