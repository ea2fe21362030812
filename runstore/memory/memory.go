// Package memory is an in-process runstore backed by go-memdb.
// Nothing survives a restart; used for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
)

const (
	runsTable     = "runs"
	jobsTable     = "jobs"
	projectsTable = "projects"

	idIndex      = "id"
	projectIndex = "project"
)

// Rows stored in memdb must never be modified once inserted, every write
// inserts a fresh copy.
type runRow struct {
	Key       string
	ProjectID string
	RunID     int64
	Run       *domain.ProjectRun
}

type jobRow struct {
	ID        string
	ProjectID string
	Seq       int64
	Doc       *domain.JobDoc
}

type projectRow struct {
	ProjectID string
	LastRunID int64
}

type store struct {
	db      *memdb.MemDB
	nextSeq int64 // only touched inside write transactions
}

func MakeStore() (runstore.Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &store{db: db}, nil
}

func runKey(projectID string, runID int64) string {
	return fmt.Sprintf("%s#%d", projectID, runID)
}

func (s *store) CreateRun(ctx context.Context, run *domain.ProjectRun) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var last int64
	raw, err := txn.First(projectsTable, idIndex, run.ProjectID)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if raw != nil {
		last = raw.(*projectRow).LastRunID
	}
	id := last + 1
	if err := txn.Insert(projectsTable, &projectRow{ProjectID: run.ProjectID, LastRunID: id}); err != nil {
		return 0, errors.WithStack(err)
	}

	stored := run.Copy()
	stored.ID = &id
	if err := txn.Insert(runsTable, &runRow{Key: runKey(run.ProjectID, id), ProjectID: run.ProjectID, RunID: id, Run: stored}); err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()

	run.ID = &id
	return id, nil
}

func (s *store) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(runsTable, idIndex, runKey(projectID, runID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, projectID)
	}
	return raw.(*runRow).Run.Copy(), nil
}

func (s *store) UpdateRun(ctx context.Context, run *domain.ProjectRun) error {
	runID := run.RequireID()
	txn := s.db.Txn(true)
	defer txn.Abort()

	key := runKey(run.ProjectID, runID)
	raw, err := txn.First(runsTable, idIndex, key)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, run.ProjectID)
	}
	if err := txn.Insert(runsTable, &runRow{Key: key, ProjectID: run.ProjectID, RunID: runID, Run: run.Copy()}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *store) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(runsTable, projectIndex, projectID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*runRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*runRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RunID < rows[j].RunID })

	runs := make([]*domain.ProjectRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.Run.Copy())
	}
	return runs, nil
}

func (s *store) CreateJob(ctx context.Context, doc *domain.JobDoc) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, doc.ID)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw != nil {
		return errors.Wrapf(runstore.ErrExists, "job %s", doc.ID)
	}
	s.nextSeq++
	if err := txn.Insert(jobsTable, &jobRow{ID: doc.ID, ProjectID: doc.ProjectID, Seq: s.nextSeq, Doc: doc.Copy()}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *store) GetJob(ctx context.Context, jobID string) (*domain.JobDoc, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(jobsTable, idIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(runstore.ErrNotFound, "job %s", jobID)
	}
	return raw.(*jobRow).Doc.Copy(), nil
}

// UpdateJob runs fn inside a write transaction. memdb allows a single
// writer at a time, which serializes concurrent updates.
func (s *store) UpdateJob(ctx context.Context, jobID string, fn runstore.JobUpdater) (*domain.JobDoc, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(runstore.ErrNotFound, "job %s", jobID)
	}
	row := raw.(*jobRow)
	doc := row.Doc.Copy()
	if err := fn(doc); err != nil {
		return nil, err
	}
	doc.ID, doc.ProjectID = row.ID, row.ProjectID
	doc.Version = row.Doc.Version + 1
	if err := txn.Insert(jobsTable, &jobRow{ID: row.ID, ProjectID: row.ProjectID, Seq: row.Seq, Doc: doc}); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return doc.Copy(), nil
}

func (s *store) ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(jobsTable, projectIndex, projectID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*jobRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*jobRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	docs := make([]*domain.JobDoc, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.Doc.Copy())
	}
	return docs, nil
}

func (s *store) ListProjects(ctx context.Context) ([]string, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(jobsTable, idIndex+"_prefix", "")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	seen := make(map[string]bool)
	var projects []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		p := obj.(*jobRow).ProjectID
		if !seen[p] {
			seen[p] = true
			projects = append(projects, p)
		}
	}
	sort.Strings(projects)
	return projects, nil
}

func (s *store) Close() error {
	return nil
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			runsTable: {
				Name: runsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					projectIndex: {
						Name:    projectIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
					},
				},
			},
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					projectIndex: {
						Name:    projectIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
					},
				},
			},
			projectsTable: {
				Name: projectsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
					},
				},
			},
		},
	}
}
