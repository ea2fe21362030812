package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/batch/local"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/runstore/memory"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/server"
)

func makeStore(t *testing.T, docs ...*domain.JobDoc) runstore.Store {
	store, err := memory.MakeStore()
	require.NoError(t, err)
	for _, d := range docs {
		require.NoError(t, store.CreateJob(context.Background(), d))
	}
	return store
}

func TestFactoryRejectsJobsWithoutCommand(t *testing.T) {
	factory := NewFactory(nil, nil)
	_, err := factory(&domain.JobDoc{ID: "a", ProjectID: "p"})
	assert.Error(t, err)
}

func TestCommandJobTalksToCluster(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	doc := &domain.JobDoc{ID: "render", ProjectID: "p", Name: "Render", Command: []string{"render", "--all"}, ArraySize: 4}
	store := makeStore(t, doc)
	cluster := batch.NewMockCluster(ctrl)

	job, err := NewFactory(cluster, store)(doc)
	require.NoError(t, err)

	cluster.EXPECT().Submit(gomock.Any(), "render/7", batch.Submission{
		Name:      "Render",
		Command:   []string{"render", "--all"},
		ArraySize: 4,
	}).Return("cj-1", nil)
	require.NoError(t, job.Launch(ctx, 7))

	cluster.EXPECT().Cancel(gomock.Any(), "render/7").Return(batch.CancelRequested, nil)
	result, err := job.Cancel(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, batch.CancelRequested, result)

	cluster.EXPECT().Submit(gomock.Any(), "render/8", gomock.Any()).Return("", assert.AnError)
	assert.Error(t, job.Launch(ctx, 8))
}

func TestFinishedRecordsLastSuccess(t *testing.T) {
	ctx := context.Background()
	doc := &domain.JobDoc{ID: "a", ProjectID: "p", Command: []string{"true"}}
	store := makeStore(t, doc)

	job, err := NewFactory(nil, store)(doc)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	job.(*CommandJob).now = func() time.Time { return now }

	require.NoError(t, job.Finished(ctx))
	data, err := job.Data(ctx)
	require.NoError(t, err)
	require.NotNil(t, data.LastSucceeded)
	assert.True(t, now.Equal(*data.LastSucceeded))
	assert.Equal(t, "a", data.JobID)
}

// Runs a two job project through the scheduler and the local cluster.
func TestRunOnLocalCluster(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t,
		&domain.JobDoc{ID: "fetch", ProjectID: "p", Command: []string{"fetch"}},
		&domain.JobDoc{ID: "build", ProjectID: "p", Command: []string{"build"}, Inputs: []string{"fetch"}},
	)
	execer := local.NewFakeExecer()
	cluster, err := local.NewCluster(execer, local.Config{MaxConcurrent: 2}, nil)
	require.NoError(t, err)
	defer cluster.Stop()

	runner := server.NewJobRunner(store, NewFactory(cluster, store), nil, server.Config{})
	unsubscribe := cluster.Subscribe(runner.OwnerEnded)
	defer unsubscribe()

	runID, err := runner.Init(ctx, "p", []string{"build", "fetch"}, "")
	require.NoError(t, err)

	call := <-execer.Calls
	assert.Equal(t, []string{"fetch"}, call.Command.Argv)
	assert.Equal(t, "fetch/1", call.Command.Owner)
	call.Finish(nil)

	call = <-execer.Calls
	assert.Equal(t, []string{"build"}, call.Command.Argv)
	call.Finish(nil)

	require.Eventually(t, func() bool {
		run, err := runner.GetRun(ctx, "p", runID)
		return err == nil && run.Status == domain.Succeeded
	}, 5*time.Second, 10*time.Millisecond)

	data, err := runner.GetRunData(ctx, cluster, "p", runID)
	require.NoError(t, err)
	require.Len(t, data.Jobs, 2)
	for _, j := range data.Jobs {
		assert.Equal(t, domain.Succeeded, j.Status)
		require.Len(t, j.ClusterJobs, 1)
		assert.Equal(t, domain.Succeeded, j.ClusterJobs[0].Status)
	}
	doc, err := store.GetJob(ctx, "build")
	require.NoError(t, err)
	assert.False(t, doc.Stale)
	assert.NotNil(t, doc.LastSucceeded)
}

func TestCancelOnLocalCluster(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t,
		&domain.JobDoc{ID: "a", ProjectID: "p", Command: []string{"slow"}},
		&domain.JobDoc{ID: "b", ProjectID: "p", Command: []string{"never"}},
	)
	execer := local.NewFakeExecer()
	cluster, err := local.NewCluster(execer, local.Config{MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	defer cluster.Stop()

	runner := server.NewJobRunner(store, NewFactory(cluster, store), nil, server.Config{})
	defer cluster.Subscribe(runner.OwnerEnded)()

	runID, err := runner.Init(ctx, "p", []string{"a", "b"}, "")
	require.NoError(t, err)
	<-execer.Calls

	require.NoError(t, runner.Cancel(ctx, "p", runID))
	require.Eventually(t, func() bool {
		run, err := runner.GetRun(ctx, "p", runID)
		return err == nil && run.Status == domain.Canceled
	}, 5*time.Second, 10*time.Millisecond)

	run, err := runner.GetRun(ctx, "p", runID)
	require.NoError(t, err)
	assert.Equal(t, domain.Canceled, run.Job("a").Status)
	assert.Equal(t, domain.Canceled, run.Job("b").Status)
}

func TestLookupFoldsClusterRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	doc := &domain.JobDoc{ID: "a", ProjectID: "p", Command: []string{"a"}}
	cluster := batch.NewMockCluster(ctrl)
	job, err := NewFactory(cluster, makeStore(t, doc))(doc)
	require.NoError(t, err)

	ended := func(r batch.ResultType) batch.Record {
		return batch.Record{History: []batch.HistoryEntry{{Status: batch.Ended}}, Result: &r}
	}
	running := batch.Record{History: []batch.HistoryEntry{{Status: batch.Started}}}

	for _, tc := range []struct {
		name    string
		records []batch.Record
		status  domain.RunStatus
		known   bool
	}{
		{"none", nil, domain.Waiting, false},
		{"running", []batch.Record{ended(batch.Success), running}, domain.Running, true},
		{"succeeded", []batch.Record{ended(batch.Success)}, domain.Succeeded, true},
		{"canceled", []batch.Record{ended(batch.Success), ended(batch.Canceled)}, domain.Canceled, true},
		{"failed", []batch.Record{ended(batch.Canceled), ended(batch.Failure)}, domain.Failed, true},
	} {
		cluster.EXPECT().GetByOwner(gomock.Any(), "a/3").Return(tc.records, nil)
		status, known, err := job.Lookup(ctx, 3)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.known, known, tc.name)
		if known {
			assert.Equal(t, tc.status, status, tc.name)
		}
	}

	cluster.EXPECT().GetByOwner(gomock.Any(), "a/3").Return(nil, assert.AnError)
	_, _, err = job.Lookup(ctx, 3)
	assert.Error(t, err)
}

// A restart loses the local cluster's work; resuming settles the orphaned
// job and lets the queued run behind it start on the new cluster.
func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t,
		&domain.JobDoc{ID: "a", ProjectID: "p", Command: []string{"a"}},
		&domain.JobDoc{ID: "b", ProjectID: "p", Command: []string{"b"}},
	)

	execer1 := local.NewFakeExecer()
	cluster1, err := local.NewCluster(execer1, local.Config{MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	runner1 := server.NewJobRunner(store, NewFactory(cluster1, store), nil, server.Config{})
	unsubscribe := cluster1.Subscribe(runner1.OwnerEnded)

	first, err := runner1.Init(ctx, "p", []string{"a"}, "")
	require.NoError(t, err)
	second, err := runner1.Init(ctx, "p", []string{"b"}, "")
	require.NoError(t, err)
	<-execer1.Calls
	unsubscribe()
	cluster1.Stop()

	execer2 := local.NewFakeExecer()
	cluster2, err := local.NewCluster(execer2, local.Config{MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	defer cluster2.Stop()
	runner2 := server.NewJobRunner(store, NewFactory(cluster2, store), nil, server.Config{})
	defer cluster2.Subscribe(runner2.OwnerEnded)()

	require.NoError(t, runner2.Resume(ctx))

	run, err := runner2.GetRun(ctx, "p", first)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, run.Status)
	assert.Equal(t, domain.Failed, run.Job("a").Status)

	call := <-execer2.Calls
	assert.Equal(t, "b/2", call.Command.Owner)
	call.Finish(nil)
	require.Eventually(t, func() bool {
		run, err := runner2.GetRun(ctx, "p", second)
		return err == nil && run.Status == domain.Succeeded
	}, 5*time.Second, 10*time.Millisecond)
}
