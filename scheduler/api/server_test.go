package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/twitter/pipesched/batch/local"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore/memory"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/jobs"
	"github.com/twitter/pipesched/scheduler/server"
)

type fixture struct {
	srv       *httptest.Server
	execer    *local.FakeExecer
	stat      stats.StatsReceiver
	reg       *prometheus.Registry
	prom      *PrometheusListener
	unhealthy int32
}

func newFixture(t *testing.T, limiter *rate.Limiter) *fixture {
	store, err := memory.MakeStore()
	require.NoError(t, err)
	f := &fixture{execer: local.NewFakeExecer(), stat: stats.NewFinagleStatsReceiver(), reg: prometheus.NewRegistry()}

	cluster, err := local.NewCluster(f.execer, local.Config{MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(cluster.Stop)

	runner := server.NewJobRunner(store, jobs.NewFactory(cluster, store), f.stat, server.Config{})
	f.prom = NewPrometheusListener(f.reg)
	runner.AddListener(f.prom)
	unsubscribe := cluster.Subscribe(runner.OwnerEnded)
	t.Cleanup(unsubscribe)

	h := NewHandler(runner, store, cluster, f.stat, limiter)
	f.srv = httptest.NewServer(NewRouter(h, f.reg, func() error {
		if atomic.LoadInt32(&f.unhealthy) != 0 {
			return errors.New("draining")
		}
		return nil
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestJobRoutes(t *testing.T) {
	f := newFixture(t, nil)

	var doc domain.JobDoc
	code := f.do(t, http.MethodPost, "/projects/p/jobs", &CreateJobRequest{ID: "a", Name: "A", Command: []string{"echo", "a"}}, &doc)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "p", doc.ProjectID)

	code = f.do(t, http.MethodPost, "/projects/p/jobs", &CreateJobRequest{ID: "b", Command: []string{"echo"}, Inputs: []string{"a"}}, nil)
	assert.Equal(t, http.StatusCreated, code)

	var errResp ErrorResponse
	code = f.do(t, http.MethodPost, "/projects/p/jobs", &CreateJobRequest{ID: "a", Command: []string{"echo"}}, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, errResp.Error)

	for name, req := range map[string]*CreateJobRequest{
		"slash":         {ID: "x/y", Command: []string{"echo"}},
		"no command":    {ID: "c"},
		"unknown input": {ID: "c", Command: []string{"echo"}, Inputs: []string{"nope"}},
	} {
		code = f.do(t, http.MethodPost, "/projects/p/jobs", req, nil)
		assert.Equal(t, http.StatusBadRequest, code, name)
	}

	var docs []domain.JobDoc
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/projects/p/jobs", nil, &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	docs = nil
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/projects/empty/jobs", nil, &docs))
	assert.Empty(t, docs)
}

func TestRunRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/projects/p/jobs", &CreateJobRequest{ID: "a", Command: []string{"a"}}, nil)
	f.do(t, http.MethodPost, "/projects/p/jobs", &CreateJobRequest{ID: "b", Command: []string{"b"}, Inputs: []string{"a"}}, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/projects/p/runs", &CreateRunRequest{JobIDs: []string{"nope"}}, nil))

	var created CreateRunResponse
	code := f.do(t, http.MethodPost, "/projects/p/runs", &CreateRunRequest{JobIDs: []string{"b", "a"}, UserID: "u"}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, int64(1), created.RunID)

	call := <-f.execer.Calls
	assert.Equal(t, "a/1", call.Command.Owner)

	var data domain.ProjectRunData
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/projects/p/runs/1", nil, &data))
	assert.Equal(t, domain.Running, data.Status)
	require.Len(t, data.Jobs, 2)
	assert.Equal(t, "a", data.Jobs[0].JobID)
	assert.Equal(t, domain.Running, data.Jobs[0].Status)
	require.Len(t, data.Jobs[0].ClusterJobs, 1)
	assert.Equal(t, domain.Running, data.Jobs[0].ClusterJobs[0].Status)
	assert.Empty(t, data.Jobs[1].ClusterJobs)

	var runs []domain.ProjectRun
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/projects/p/runs", nil, &runs))
	assert.Len(t, runs, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/projects/p/runs/9", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/projects/p/runs/x", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/projects/p/runs/9/cancel", nil, nil))

	var run domain.ProjectRun
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/projects/p/runs/1/cancel", nil, &run))
	assert.Equal(t, domain.Canceled, run.Job("b").Status)

	require.Eventually(t, func() bool {
		f.do(t, http.MethodGet, "/projects/p/runs", nil, &runs)
		return len(runs) == 1 && runs[0].Status == domain.Canceled
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.prom.runsFinished.WithLabelValues("p", "Canceled")))
	stats.VerifyStats(t, f.stat, map[string]stats.Rule{
		stats.APIRequestCounter:   {Checker: stats.Int64GTTest, Value: 5},
		stats.APIServerErrCounter: {Checker: stats.DoesNotExistTest},
	})
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	atomic.StoreInt32(&f.unhealthy, 1)
	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.do(t, http.MethodGet, "/projects/p/jobs", nil, nil)
	var metrics map[string]interface{}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/metrics.json", nil, &metrics))
	assert.Contains(t, metrics, stats.APIRequestCounter)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, rate.NewLimiter(rate.Every(time.Hour), 1))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/projects/p/jobs", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/projects/p/jobs", nil, nil))
	// admin routes aren't limited
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats.VerifyStats(t, f.stat, map[string]stats.Rule{
		stats.APIThrottledCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestPrometheusListener(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusListener(reg)

	p.OnInit("p", 1, time.Now(), []string{"a"})
	p.OnInit("p", 2, time.Now(), nil)
	p.OnStart("p", 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(p.runsCreated.WithLabelValues("p")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.runsRunning.WithLabelValues("p")))

	p.OnStartJob("p", 1, "a")
	p.OnFinishJob("p", 1, domain.JobData{JobID: "a"}, domain.Succeeded)
	p.OnFinish("p", 1, domain.Succeeded)
	// queued run canceled before it started
	p.OnFinish("p", 2, domain.Canceled)

	assert.Equal(t, float64(0), testutil.ToFloat64(p.runsRunning.WithLabelValues("p")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.jobsStarted.WithLabelValues("p")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.jobsFinished.WithLabelValues("p", "Succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.runsFinished.WithLabelValues("p", "Canceled")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.runsFinished))
}

func TestListenConfig(t *testing.T) {
	c := &ListenConfig{Addr: "127.0.0.1:0", ListenerMaxConns: 2}
	l, err := c.NewListener()
	require.NoError(t, err)
	defer l.Close()
	assert.Nil(t, c.NewLimiter())

	c.RateLimitPerSec = 5
	limiter := c.NewLimiter()
	require.NotNil(t, limiter)
	assert.Equal(t, 5, limiter.Burst())
}

func TestServeStopsWithContext(t *testing.T) {
	c := &ListenConfig{Addr: "127.0.0.1:0"}
	l, err := c.NewListener()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, l, http.NotFoundHandler()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve didn't return")
	}
}
