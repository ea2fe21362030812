// Package storetest holds behavior checks shared by every runstore
// implementation. Each store's tests call TestStore with a fresh store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
)

// TestStore runs every check against stores made by makeStore.
// makeStore must return an empty store on each call.
func TestStore(t *testing.T, makeStore func(t *testing.T) runstore.Store) {
	checks := []struct {
		name string
		fn   func(t *testing.T, s runstore.Store)
	}{
		{"RunIdsArePerProject", runIdsArePerProject},
		{"RunsRoundTrip", runsRoundTrip},
		{"ReadsAreCopies", readsAreCopies},
		{"MissingDocuments", missingDocuments},
		{"JobsKeepCreationOrder", jobsKeepCreationOrder},
		{"UpdateJobBumpsVersion", updateJobBumpsVersion},
		{"ConcurrentJobUpdates", concurrentJobUpdates},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			s := makeStore(t)
			defer s.Close()
			c.fn(t, s)
		})
	}
}

var now = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

func runIdsArePerProject(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		id, err := s.CreateRun(ctx, domain.NewProjectRun("a", []string{"j"}, "", now))
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
	}
	run := domain.NewProjectRun("b", nil, "", now)
	id, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.NotNil(t, run.ID)
	assert.Equal(t, int64(1), *run.ID)

	runs, err := s.ListRuns(ctx, "a")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, int64(i+1), r.RequireID())
	}
}

func runsRoundTrip(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	run := domain.NewProjectRun("p", []string{"x", "y"}, "alice", now)
	_, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	run.Status = domain.Running
	run.Jobs[0].Status = domain.Succeeded
	run.Jobs[1].Status = domain.Running
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "p", run.RequireID())
	require.NoError(t, err)
	assert.Equal(t, domain.Running, got.Status)
	assert.Equal(t, "alice", got.RunningUserID)
	assert.True(t, now.Equal(got.Timestamp))
	assert.Equal(t, []string{"x", "y"}, got.JobIDs())
	assert.Equal(t, domain.Succeeded, got.Job("x").Status)
	assert.Equal(t, domain.Running, got.Job("y").Status)
}

func readsAreCopies(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	run := domain.NewProjectRun("p", []string{"x"}, "", now)
	_, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	run.Jobs[0].Status = domain.Failed

	got, err := s.GetRun(ctx, "p", run.RequireID())
	require.NoError(t, err)
	assert.Equal(t, domain.Waiting, got.Jobs[0].Status)

	require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: "x", ProjectID: "p"}))
	doc, err := s.GetJob(ctx, "x")
	require.NoError(t, err)
	doc.Stale = true
	again, err := s.GetJob(ctx, "x")
	require.NoError(t, err)
	assert.False(t, again.Stale)
}

func missingDocuments(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	_, err := s.GetRun(ctx, "p", 7)
	assert.True(t, runstore.IsNotFound(err), "got %v", err)

	id := int64(7)
	err = s.UpdateRun(ctx, &domain.ProjectRun{ID: &id, ProjectID: "p"})
	assert.True(t, runstore.IsNotFound(err), "got %v", err)

	_, err = s.GetJob(ctx, "ghost")
	assert.True(t, runstore.IsNotFound(err), "got %v", err)

	_, err = s.UpdateJob(ctx, "ghost", func(*domain.JobDoc) error { return nil })
	assert.True(t, runstore.IsNotFound(err), "got %v", err)

	runs, err := s.ListRuns(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: "x", ProjectID: "p"}))
	err = s.CreateJob(ctx, &domain.JobDoc{ID: "x", ProjectID: "q"})
	assert.Error(t, err)
	assert.Error(t, s.CreateJob(ctx, &domain.JobDoc{ID: "a/b", ProjectID: "p"}))
}

func jobsKeepCreationOrder(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: id, ProjectID: "p", Name: "job " + id}))
	}
	require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: "other", ProjectID: "q"}))

	docs, err := s.ListJobs(ctx, "p")
	require.NoError(t, err)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "q"}, projects)
}

func updateJobBumpsVersion(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: "x", ProjectID: "p", Inputs: []string{"w"}}))

	doc, err := s.UpdateJob(ctx, "x", func(d *domain.JobDoc) error {
		d.Stale = true
		d.ProjectID = "hijack"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, doc.Stale)
	assert.Equal(t, "p", doc.ProjectID)
	assert.Equal(t, int64(1), doc.Version)

	boom := errors.New("boom")
	_, err = s.UpdateJob(ctx, "x", func(d *domain.JobDoc) error {
		d.Stale = false
		return boom
	})
	assert.Equal(t, boom, err)

	got, err := s.GetJob(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{"w"}, got.Inputs)
}

func concurrentJobUpdates(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &domain.JobDoc{ID: "x", ProjectID: "p"}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateJob(ctx, "x", func(d *domain.JobDoc) error {
				d.Command = append(d.Command, fmt.Sprintf("w%d", i))
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetJob(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, got.Command, writers)
	assert.Equal(t, int64(writers), got.Version)
}
