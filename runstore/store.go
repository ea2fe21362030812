// Package runstore persists project runs and job documents.
//
// Runs are append-only per project: CreateRun assigns the next run id of
// that project, starting at 1. Every Update is a read-modify-write applied
// atomically per document, so concurrent updates to the same document
// never lose writes.
package runstore

//go:generate mockgen -source=store.go -package=runstore -destination=store_mock.go

import (
	"context"

	"github.com/pkg/errors"

	"github.com/twitter/pipesched/scheduler/domain"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a run or job doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a job whose id is taken.
	ErrExists = errors.New("already exists")
)

// IsNotFound reports whether err was caused by a missing document.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// JobUpdater mutates a job document in place. Returning an error aborts the update.
type JobUpdater func(doc *domain.JobDoc) error

type RunStore interface {
	// CreateRun stores run and returns its newly assigned id. run.ID is set too.
	CreateRun(ctx context.Context, run *domain.ProjectRun) (int64, error)

	GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error)

	// UpdateRun replaces the stored run with run. run.ID must be set.
	UpdateRun(ctx context.Context, run *domain.ProjectRun) error

	// ListRuns returns all runs of the project, oldest first.
	ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, doc *domain.JobDoc) error

	GetJob(ctx context.Context, jobID string) (*domain.JobDoc, error)

	// UpdateJob applies fn to the current document and stores the result,
	// bumping Version.
	UpdateJob(ctx context.Context, jobID string, fn JobUpdater) (*domain.JobDoc, error)

	// ListJobs returns the project's jobs in creation order.
	ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error)

	// ListProjects returns every project id that has at least one job.
	ListProjects(ctx context.Context) ([]string, error)
}

type Store interface {
	RunStore
	JobStore
	Close() error
}
