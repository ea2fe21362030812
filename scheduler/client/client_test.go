package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethgrid/pester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/pipesched/batch/local"
	perrors "github.com/twitter/pipesched/common/errors"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore/memory"
	"github.com/twitter/pipesched/scheduler/api"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/jobs"
	"github.com/twitter/pipesched/scheduler/server"
)

func startScheduler(t *testing.T) (*httptest.Server, *local.FakeExecer) {
	store, err := memory.MakeStore()
	require.NoError(t, err)
	execer := local.NewFakeExecer()
	cluster, err := local.NewCluster(execer, local.Config{MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(cluster.Stop)
	runner := server.NewJobRunner(store, jobs.NewFactory(cluster, store), nil, server.Config{})
	t.Cleanup(cluster.Subscribe(runner.OwnerEnded))

	h := api.NewHandler(runner, store, cluster, stats.NilStatsReceiver(), nil)
	srv := httptest.NewServer(api.NewRouter(h, nil, nil))
	t.Cleanup(srv.Close)
	return srv, execer
}

func quickRetries(tries int) *pester.Client {
	c := MakePesterClient(tries)
	c.Backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestClientAgainstScheduler(t *testing.T) {
	srv, execer := startScheduler(t)
	ctx := context.Background()
	// addresses without a scheme are accepted
	c := NewClient(ClientConfig{Addr: srv.Listener.Addr().String()})

	doc, err := c.CreateJob(ctx, "p", &api.CreateJobRequest{ID: "a", Command: []string{"make"}})
	require.NoError(t, err)
	assert.Equal(t, "p", doc.ProjectID)
	_, err = c.CreateJob(ctx, "p", &api.CreateJobRequest{ID: "b", Command: []string{"test"}, Inputs: []string{"a"}})
	require.NoError(t, err)

	docs, err := c.ListJobs(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	runID, err := c.CreateRun(ctx, "p", []string{"a", "b"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), runID)
	call := <-execer.Calls

	data, err := c.GetRun(ctx, "p", runID)
	require.NoError(t, err)
	assert.Equal(t, domain.Running, data.Status)
	assert.Equal(t, "alice", data.RunningUserID)

	call.Finish(nil)
	<-execer.Calls
	run, err := c.CancelRun(ctx, "p", runID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, run.Job("a").Status)

	require.Eventually(t, func() bool {
		runs, err := c.ListRuns(ctx, "p")
		return err == nil && len(runs) == 1 && runs[0].Status == domain.Canceled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientErrors(t *testing.T) {
	srv, _ := startScheduler(t)
	ctx := context.Background()
	c := NewClient(ClientConfig{Addr: srv.URL + "/"})

	_, err := c.CreateRun(ctx, "p", []string{"missing"}, "")
	require.Error(t, err)
	assert.Equal(t, int(perrors.RequestRejectedExitCode), perrors.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "400")

	_, err = c.GetRun(ctx, "p", 42)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))

	addr := srv.URL
	srv.Close()
	_, err = NewCustomClient(addr, quickRetries(2), quickRetries(1)).ListRuns(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, int(perrors.ConnectionFailureExitCode), perrors.ExitCodeOf(err))
}

func TestReadsRetryWritesDont(t *testing.T) {
	var gets, posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if atomic.AddInt32(&gets, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	ctx := context.Background()
	c := NewCustomClient(srv.URL, quickRetries(3), quickRetries(1))

	runs, err := c.ListRuns(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&gets))

	_, err = c.CreateRun(ctx, "p", []string{"a"}, "")
	require.Error(t, err)
	assert.NotEqual(t, 0, perrors.ExitCodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestProjectPathEscapes(t *testing.T) {
	assert.Equal(t, "/projects/a%2Fb/runs/3", projectPath("a/b", "runs", "3"))
}
