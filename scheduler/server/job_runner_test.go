package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/pipesched/batch"
	plog "github.com/twitter/pipesched/common/log"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/runstore/memory"
	"github.com/twitter/pipesched/scheduler/domain"
)

// Set PIPESCHED_LOGLEVEL=debug to see scheduler logs in test output.
func init() {
	log.SetLevel(plog.LevelFromEnv("PIPESCHED_LOGLEVEL", log.ErrorLevel))
}

const project = "p"

// harness wires a JobRunner to an in-memory store and fake jobs whose
// behavior each test configures.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  runstore.Store
	stat   stats.StatsReceiver
	runner *JobRunner
	events *recordingListener

	mu            sync.Mutex
	launched      []string
	staleAtLaunch map[string][]string
	hooks         []string
	launchErr     map[string]error
	cancelResult  map[string]batch.CancelResult
	cancelErr     map[string]error
	cancels       []string
	// cluster answers for Lookup by owner token; launched owners without
	// an entry are still running
	lookups map[string]lookupResult
}

type lookupResult struct {
	status domain.RunStatus
	known  bool
}

func newHarness(t *testing.T) *harness {
	store, err := memory.MakeStore()
	require.NoError(t, err)
	h := &harness{
		t:             t,
		ctx:           context.Background(),
		store:         store,
		stat:          stats.NewFinagleStatsReceiver(),
		events:        &recordingListener{},
		staleAtLaunch: make(map[string][]string),
		launchErr:     make(map[string]error),
		cancelResult:  make(map[string]batch.CancelResult),
		cancelErr:     make(map[string]error),
		lookups:       make(map[string]lookupResult),
	}
	h.runner = NewJobRunner(store, h.factory, h.stat, Config{})
	h.runner.AddListener(h.events)
	h.runner.AddListener(NewStatsListener(h.stat))
	return h
}

func (h *harness) factory(doc *domain.JobDoc) (Job, error) {
	return &fakeJob{h: h, doc: doc}, nil
}

func (h *harness) addJob(projectID, id string, inputs ...string) {
	h.t.Helper()
	require.NoError(h.t, h.store.CreateJob(h.ctx, &domain.JobDoc{
		ID:        id,
		ProjectID: projectID,
		Name:      "job " + id,
		Inputs:    inputs,
		Command:   []string{"run", id},
	}))
}

func (h *harness) stale(id string) bool {
	h.t.Helper()
	doc, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return doc.Stale
}

func (h *harness) run(projectID string, runID int64) *domain.ProjectRun {
	h.t.Helper()
	run, err := h.store.GetRun(h.ctx, projectID, runID)
	require.NoError(h.t, err)
	return run
}

func (h *harness) jobStatuses(projectID string, runID int64) map[string]domain.RunStatus {
	statuses := make(map[string]domain.RunStatus)
	for _, j := range h.run(projectID, runID).Jobs {
		statuses[j.JobID] = j.Status
	}
	return statuses
}

func (h *harness) getLaunched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.launched...)
}

type fakeJob struct {
	h   *harness
	doc *domain.JobDoc
}

func (j *fakeJob) Launch(ctx context.Context, runID int64) error {
	docs, err := j.h.store.ListJobs(ctx, j.doc.ProjectID)
	if err != nil {
		return err
	}
	var stale []string
	for _, d := range docs {
		if d.Stale {
			stale = append(stale, d.ID)
		}
	}
	sort.Strings(stale)

	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	j.h.staleAtLaunch[j.doc.ID] = stale
	if err := j.h.launchErr[j.doc.ID]; err != nil {
		return err
	}
	j.h.launched = append(j.h.launched, domain.JobOwner{JobID: j.doc.ID, RunID: runID}.Encode())
	return nil
}

func (j *fakeJob) Cancel(ctx context.Context, runID int64) (batch.CancelResult, error) {
	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	j.h.cancels = append(j.h.cancels, domain.JobOwner{JobID: j.doc.ID, RunID: runID}.Encode())
	if err := j.h.cancelErr[j.doc.ID]; err != nil {
		return batch.UnknownJob, err
	}
	return j.h.cancelResult[j.doc.ID], nil
}

func (j *fakeJob) Lookup(ctx context.Context, runID int64) (domain.RunStatus, bool, error) {
	owner := domain.JobOwner{JobID: j.doc.ID, RunID: runID}.Encode()
	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	if res, ok := j.h.lookups[owner]; ok {
		return res.status, res.known, nil
	}
	for _, l := range j.h.launched {
		if l == owner {
			return domain.Running, true, nil
		}
	}
	return domain.Waiting, false, nil
}

func (j *fakeJob) Finished(ctx context.Context) error {
	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	j.h.hooks = append(j.h.hooks, j.doc.ID)
	return nil
}

func (j *fakeJob) Data(ctx context.Context) (domain.JobData, error) {
	doc, err := j.h.store.GetJob(ctx, j.doc.ID)
	if err != nil {
		return domain.JobData{}, err
	}
	return doc.Data(), nil
}

// recordingListener keeps a readable trace of every event.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) add(format string, args ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	return nil
}

func (l *recordingListener) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

func (l *recordingListener) OnInit(projectID string, runID int64, _ time.Time, jobIDs []string) error {
	return l.add("init %s/%d %v", projectID, runID, jobIDs)
}

func (l *recordingListener) OnStart(projectID string, runID int64) error {
	return l.add("start %s/%d", projectID, runID)
}

func (l *recordingListener) OnStartJob(projectID string, runID int64, jobID string) error {
	return l.add("startJob %s/%d %s", projectID, runID, jobID)
}

func (l *recordingListener) OnFinishJob(projectID string, runID int64, data domain.JobData, status domain.RunStatus) error {
	return l.add("finishJob %s/%d %s %s stale=%t", projectID, runID, data.JobID, status, data.Stale)
}

func (l *recordingListener) OnFinish(projectID string, runID int64, status domain.RunStatus) error {
	return l.add("finish %s/%d %s", projectID, runID, status)
}

func TestRunTwoDependentJobs(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B", "A")
	h.addJob(project, "C", "B")

	runID, err := h.runner.Init(h.ctx, project, []string{"B", "A"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), runID)

	run := h.run(project, runID)
	assert.Equal(t, domain.Running, run.Status)
	assert.Equal(t, []string{"A", "B"}, run.JobIDs())
	assert.Equal(t, "alice", run.RunningUserID)
	assert.Equal(t, map[string]domain.RunStatus{"A": domain.Running, "B": domain.Waiting}, h.jobStatuses(project, runID))
	assert.Equal(t, []string{"A/1"}, h.getLaunched())
	assert.Equal(t, []string{"A", "B", "C"}, h.staleAtLaunch["A"])
	assert.Equal(t, []string{
		"init p/1 [A B]",
		"start p/1",
		"startJob p/1 A",
	}, h.events.take())

	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Succeeded))
	assert.False(t, h.stale("A"))
	assert.True(t, h.stale("B"))
	assert.Equal(t, []string{"A"}, h.hooks)
	assert.Equal(t, []string{"A/1", "B/1"}, h.getLaunched())
	assert.Equal(t, []string{"B", "C"}, h.staleAtLaunch["B"])
	assert.Equal(t, []string{
		"finishJob p/1 A Succeeded stale=false",
		"startJob p/1 B",
	}, h.events.take())

	require.NoError(t, h.runner.Finished(h.ctx, runID, "B", domain.Succeeded))
	assert.Equal(t, domain.Succeeded, h.run(project, runID).Status)
	assert.False(t, h.stale("B"))
	assert.True(t, h.stale("C"))
	assert.Equal(t, []string{
		"finishJob p/1 B Succeeded stale=false",
		"finish p/1 Succeeded",
	}, h.events.take())

	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedRunsInitCounter:                                        {Checker: stats.Int64EqTest, Value: 1},
		stats.SchedRunsStartedCounter:                                     {Checker: stats.Int64EqTest, Value: 1},
		stats.SchedJobsLaunchedCounter:                                    {Checker: stats.Int64EqTest, Value: 2},
		stats.SchedJobsFinishedCounter + "/" + domain.Succeeded.String(): {Checker: stats.Int64EqTest, Value: 2},
		stats.SchedRunsFinishedCounter + "/" + domain.Succeeded.String(): {Checker: stats.Int64EqTest, Value: 1},
		stats.SchedJobLaunchErrCounter:                                    {Checker: stats.DoesNotExistTest},
	})
}

func TestFinishIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)
	h.events.take()

	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Succeeded))
	events := h.events.take()
	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Succeeded))
	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Failed))

	assert.Len(t, events, 2)
	assert.Empty(t, h.events.take())
	assert.Equal(t, []string{"A"}, h.hooks)
	assert.Equal(t, []string{"A/1", "B/1"}, h.getLaunched())
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedStaleFinishCounter: {Checker: stats.Int64EqTest, Value: 2},
	})
}

func TestFailedAndCanceledKeepStale(t *testing.T) {
	for _, status := range []domain.RunStatus{domain.Failed, domain.Canceled} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t)
			h.addJob(project, "A")
			h.addJob(project, "B")
			runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
			require.NoError(t, err)

			require.NoError(t, h.runner.Finished(h.ctx, runID, "A", status))
			assert.True(t, h.stale("A"))
			assert.Empty(t, h.hooks)
			assert.Equal(t, []string{"A/1", "B/1"}, h.getLaunched())

			require.NoError(t, h.runner.Finished(h.ctx, runID, "B", domain.Succeeded))
			assert.Equal(t, status, h.run(project, runID).Status)
		})
	}
}

func TestFinishedRejectsNonTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	runID, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	assert.Error(t, h.runner.Finished(h.ctx, runID, "A", domain.Running))
	assert.Equal(t, domain.Running, h.jobStatuses(project, runID)["A"])
}

func TestZeroJobRunFinishesImmediately(t *testing.T) {
	h := newHarness(t)
	runID, err := h.runner.Init(h.ctx, project, nil, "")
	require.NoError(t, err)

	assert.Equal(t, domain.Succeeded, h.run(project, runID).Status)
	assert.Empty(t, h.getLaunched())
	assert.Equal(t, []string{
		"init p/1 []",
		"start p/1",
		"finish p/1 Succeeded",
	}, h.events.take())
}

func TestRunsQueueInCreationOrder(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	h.addJob("other", "X")

	first, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	second, err := h.runner.Init(h.ctx, project, []string{"B"}, "")
	require.NoError(t, err)
	other, err := h.runner.Init(h.ctx, "other", []string{"X"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)

	assert.Equal(t, domain.Waiting, h.run(project, second).Status)
	assert.Equal(t, []string{"A/1", "X/1"}, h.getLaunched())

	require.NoError(t, h.runner.Finished(h.ctx, first, "A", domain.Succeeded))
	assert.Equal(t, domain.Succeeded, h.run(project, first).Status)
	assert.Equal(t, domain.Running, h.run(project, second).Status)
	assert.Equal(t, []string{"A/1", "X/1", "B/2"}, h.getLaunched())
}

func TestInitRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B", "A")
	h.addJob("other", "X")

	for name, ids := range map[string][]string{
		"unknown":   {"A", "nope"},
		"foreign":   {"A", "X"},
		"duplicate": {"A", "A"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.runner.Init(h.ctx, project, ids, "")
			require.Error(t, err)
			assert.True(t, IsInvalidRequest(err), "%v", err)
		})
	}

	runs, err := h.runner.ListRuns(h.ctx, project)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.getLaunched())
	assert.Empty(t, h.events.take())
}

func TestLaunchFailureFinishesJobAsFailed(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	h.launchErr["A"] = errors.New("cluster unavailable")

	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]domain.RunStatus{"A": domain.Failed, "B": domain.Running}, h.jobStatuses(project, runID))
	assert.Equal(t, []string{"B/1"}, h.getLaunched())
	assert.Equal(t, []string{
		"init p/1 [A B]",
		"start p/1",
		"startJob p/1 A",
		"finishJob p/1 A Failed stale=true",
		"startJob p/1 B",
	}, h.events.take())

	require.NoError(t, h.runner.Finished(h.ctx, runID, "B", domain.Succeeded))
	assert.Equal(t, domain.Failed, h.run(project, runID).Status)
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedJobLaunchErrCounter: {Checker: stats.Int64EqTest, Value: 1},
		stats.SchedJobsLaunchedCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestLaunchFailureOfLastJobFinishesRun(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	h.launchErr["A"] = errors.New("cluster unavailable")

	first, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	second, err := h.runner.Init(h.ctx, project, []string{"B"}, "")
	require.NoError(t, err)

	assert.Equal(t, domain.Failed, h.run(project, first).Status)
	assert.Equal(t, domain.Running, h.run(project, second).Status)
	assert.Equal(t, []string{"B/2"}, h.getLaunched())
}

func TestCancelAllWaitingRun(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	h.addJob(project, "C")

	first, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	queued, err := h.runner.Init(h.ctx, project, []string{"B", "C"}, "")
	require.NoError(t, err)
	h.events.take()

	require.NoError(t, h.runner.Cancel(h.ctx, project, queued))
	assert.Equal(t, domain.Canceled, h.run(project, queued).Status)
	assert.Equal(t, map[string]domain.RunStatus{"B": domain.Canceled, "C": domain.Canceled}, h.jobStatuses(project, queued))
	assert.Equal(t, domain.Running, h.run(project, first).Status)
	assert.Empty(t, h.cancels)
	assert.Equal(t, []string{
		"finishJob p/2 B Canceled stale=false",
		"finishJob p/2 C Canceled stale=false",
		"finish p/2 Canceled",
	}, h.events.take())

	// canceling again is a no-op
	require.NoError(t, h.runner.Cancel(h.ctx, project, queued))
	assert.Empty(t, h.events.take())
}

func TestCancelQueuedZeroJobRun(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	_, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	empty, err := h.runner.Init(h.ctx, project, []string{}, "")
	require.NoError(t, err)

	require.NoError(t, h.runner.Cancel(h.ctx, project, empty))
	assert.Equal(t, domain.Canceled, h.run(project, empty).Status)
}

func TestCancelSynchronouslyCanceledJob(t *testing.T) {
	for _, result := range []batch.CancelResult{batch.UnknownJob, batch.AllCanceled} {
		t.Run(result.String(), func(t *testing.T) {
			h := newHarness(t)
			h.addJob(project, "A")
			h.addJob(project, "B")
			h.addJob(project, "C")
			h.cancelResult["A"] = result

			runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
			require.NoError(t, err)
			next, err := h.runner.Init(h.ctx, project, []string{"C"}, "")
			require.NoError(t, err)
			h.events.take()

			require.NoError(t, h.runner.Cancel(h.ctx, project, runID))
			assert.Equal(t, []string{"A/1"}, h.cancels)
			assert.Equal(t, domain.Canceled, h.run(project, runID).Status)
			assert.Equal(t, map[string]domain.RunStatus{"A": domain.Canceled, "B": domain.Canceled}, h.jobStatuses(project, runID))
			assert.Equal(t, []string{
				"finishJob p/1 B Canceled stale=false",
				"finishJob p/1 A Canceled stale=true",
				"finish p/1 Canceled",
				"start p/2",
				"startJob p/2 C",
			}, h.events.take())
			assert.Equal(t, domain.Running, h.run(project, next).Status)
		})
	}
}

func TestCancelRequestedWaitsForFinish(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B", "A")
	h.cancelResult["A"] = batch.CancelRequested

	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)
	h.events.take()

	require.NoError(t, h.runner.Cancel(h.ctx, project, runID))
	assert.Equal(t, domain.Running, h.run(project, runID).Status)
	assert.Equal(t, map[string]domain.RunStatus{"A": domain.Running, "B": domain.Canceled}, h.jobStatuses(project, runID))
	assert.Equal(t, []string{"finishJob p/1 B Canceled stale=true"}, h.events.take())

	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Canceled))
	assert.Equal(t, domain.Canceled, h.run(project, runID).Status)
	assert.Equal(t, []string{"A/1"}, h.getLaunched())
	assert.Equal(t, []string{
		"finishJob p/1 A Canceled stale=true",
		"finish p/1 Canceled",
	}, h.events.take())
}

func TestCancelErrorsAreCollected(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	h.cancelErr["A"] = errors.New("cluster unreachable")

	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)

	err = h.runner.Cancel(h.ctx, project, runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster unreachable")
	assert.Equal(t, domain.Running, h.run(project, runID).Status)
	assert.Equal(t, map[string]domain.RunStatus{"A": domain.Running, "B": domain.Canceled}, h.jobStatuses(project, runID))
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedCancelErrCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestUnknownReferencesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")

	assert.NoError(t, h.runner.Finished(h.ctx, 1, "nope", domain.Succeeded))
	assert.NoError(t, h.runner.Finished(h.ctx, 7, "A", domain.Succeeded))
	assert.NoError(t, h.runner.Cancel(h.ctx, project, 7))
	assert.Empty(t, h.events.take())
}

func TestFinishForJobOutsideRunPanics(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	runID, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)

	assert.Panics(t, func() {
		h.runner.Finished(h.ctx, runID, "B", domain.Succeeded)
	})
}

func TestOwnerEnded(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	runID, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)

	h.runner.OwnerEnded("not-a-token", batch.Success)
	h.runner.OwnerEnded("A/x", batch.Success)
	assert.Equal(t, domain.Running, h.run(project, runID).Status)

	h.runner.OwnerEnded(domain.JobOwner{JobID: "A", RunID: runID}.Encode(), batch.Failure)
	assert.Equal(t, domain.Failed, h.run(project, runID).Status)
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedMalformedOwnerCounter: {Checker: stats.Int64EqTest, Value: 2},
	})
}

func TestResumeStartsStoredRuns(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob("idle", "X")
	_, err := h.store.CreateRun(h.ctx, domain.NewProjectRun(project, []string{"A"}, "", time.Now()))
	require.NoError(t, err)

	require.NoError(t, h.runner.Resume(h.ctx))
	assert.Equal(t, []string{"A/1"}, h.getLaunched())

	// already running, nothing more to do
	require.NoError(t, h.runner.Resume(h.ctx))
	assert.Equal(t, []string{"A/1"}, h.getLaunched())
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedResumedProjectsCounter: {Checker: stats.Int64EqTest, Value: 2},
	})
}

func TestResumeFailsJobsTheClusterLost(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	first, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	second, err := h.runner.Init(h.ctx, project, []string{"B"}, "")
	require.NoError(t, err)
	h.events.take()

	// restarted with a cluster that never saw A/1
	h.lookups["A/1"] = lookupResult{known: false}
	require.NoError(t, h.runner.Resume(h.ctx))

	assert.Equal(t, domain.Failed, h.run(project, first).Status)
	assert.Equal(t, domain.Failed, h.run(project, first).Job("A").Status)
	assert.Equal(t, domain.Running, h.run(project, second).Status)
	assert.Equal(t, []string{"A/1", "B/2"}, h.getLaunched())
	assert.Equal(t, []string{
		"finishJob p/1 A Failed stale=true",
		"finish p/1 Failed",
		"start p/2",
		"startJob p/2 B",
	}, h.events.take())
	stats.VerifyStats(t, h.stat, map[string]stats.Rule{
		stats.SchedResumeSettledCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestResumeUsesClusterOutcome(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B", "A")
	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)

	// A ended while nothing was listening
	h.lookups["A/1"] = lookupResult{status: domain.Succeeded, known: true}
	require.NoError(t, h.runner.Resume(h.ctx))

	statuses := h.jobStatuses(project, runID)
	assert.Equal(t, domain.Succeeded, statuses["A"])
	assert.Equal(t, domain.Running, statuses["B"])
	assert.False(t, h.stale("A"))
	assert.Equal(t, []string{"A/1", "B/1"}, h.getLaunched())
}

func TestRunOrderIsFixedAtInit(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	h.addJob(project, "B")
	runID, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, h.run(project, runID).JobIDs())

	// later edits would order B before A
	_, err = h.store.UpdateJob(h.ctx, "A", func(doc *domain.JobDoc) error {
		doc.Inputs = []string{"B"}
		return nil
	})
	require.NoError(t, err)
	h.addJob(project, "C", "A")

	require.NoError(t, h.runner.Finished(h.ctx, runID, "A", domain.Succeeded))
	require.NoError(t, h.runner.Finished(h.ctx, runID, "B", domain.Succeeded))

	run := h.run(project, runID)
	assert.Equal(t, []string{"A", "B"}, run.JobIDs())
	assert.Equal(t, []string{"A/1", "B/1"}, h.getLaunched())
	assert.Equal(t, domain.Succeeded, run.Status)

	next, err := h.runner.Init(h.ctx, project, []string{"A", "B"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, h.run(project, next).JobIDs())
}

func TestConcurrentInitsRunOneAtATime(t *testing.T) {
	h := newHarness(t)
	const n = 10
	for i := 0; i < n; i++ {
		h.addJob(project, fmt.Sprintf("J%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.runner.Init(h.ctx, project, []string{fmt.Sprintf("J%d", i)}, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	runs, err := h.runner.ListRuns(h.ctx, project)
	require.NoError(t, err)
	require.Len(t, runs, n)
	running := 0
	for _, run := range runs {
		if run.Status == domain.Running {
			running++
		}
	}
	assert.Equal(t, 1, running)
	assert.Len(t, h.getLaunched(), 1)

	// finishing each run in turn starts exactly the next one
	for _, run := range runs {
		require.NoError(t, h.runner.Finished(h.ctx, *run.ID, run.Jobs[0].JobID, domain.Succeeded))
	}
	assert.Len(t, h.getLaunched(), n)
}

func TestRunDataIncludesClusterRecords(t *testing.T) {
	h := newHarness(t)
	h.addJob(project, "A")
	runID, err := h.runner.Init(h.ctx, project, []string{"A"}, "")
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	querier := batch.NewMockQuerier(ctrl)
	started := time.Unix(100, 0)
	querier.EXPECT().GetByOwner(gomock.Any(), "A/1").Return([]batch.Record{{
		ID:      "c1",
		Owner:   "A/1",
		History: []batch.HistoryEntry{{Status: batch.Submitted, Time: started}, {Status: batch.Started, Time: started}},
	}}, nil)

	data, err := h.runner.GetRunData(h.ctx, querier, project, runID)
	require.NoError(t, err)
	require.Len(t, data.Jobs, 1)
	require.Len(t, data.Jobs[0].ClusterJobs, 1)
	assert.Equal(t, domain.Running, data.Jobs[0].ClusterJobs[0].Status)
	assert.Equal(t, domain.Running, data.Jobs[0].Status)
}

func TestJobRunnerWithMockJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store, err := memory.MakeStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &domain.JobDoc{ID: "A", ProjectID: project}))

	job := NewMockJob(ctrl)
	runner := NewJobRunner(store, func(*domain.JobDoc) (Job, error) { return job, nil }, nil, Config{})

	gomock.InOrder(
		job.EXPECT().Launch(gomock.Any(), int64(1)).Return(nil),
		job.EXPECT().Cancel(gomock.Any(), int64(1)).Return(batch.CancelRequested, nil),
		job.EXPECT().Data(gomock.Any()).Return(domain.JobData{JobID: "A", ProjectID: project}, nil),
	)
	runID, err := runner.Init(ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	require.NoError(t, runner.Cancel(ctx, project, runID))
	require.NoError(t, runner.Finished(ctx, runID, "A", domain.Canceled))

	run, err := runner.GetRun(ctx, project, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.Canceled, run.Status)
}

func TestFinishedHookOnlyOnSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store, err := memory.MakeStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &domain.JobDoc{ID: "A", ProjectID: project}))

	job := NewMockJob(ctrl)
	runner := NewJobRunner(store, func(*domain.JobDoc) (Job, error) { return job, nil }, nil, Config{})

	job.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	job.EXPECT().Data(gomock.Any()).Return(domain.JobData{JobID: "A"}, nil).Times(2)
	job.EXPECT().Finished(gomock.Any()).Return(errors.New("preview upload failed")).Times(1)

	first, err := runner.Init(ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	require.NoError(t, runner.Finished(ctx, first, "A", domain.Failed))

	second, err := runner.Init(ctx, project, []string{"A"}, "")
	require.NoError(t, err)
	require.NoError(t, runner.Finished(ctx, second, "A", domain.Succeeded))

	run, err := runner.GetRun(ctx, project, second)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, run.Status)
}
