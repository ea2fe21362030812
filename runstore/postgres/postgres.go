// Package postgres stores runs and job documents in PostgreSQL.
//
// Documents are kept as JSON text next to the columns needed for lookup.
// Run ids come from a per-project counter row bumped by an upsert, and
// job updates lock the row with SELECT ... FOR UPDATE inside a transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
)

const (
	projectsTable = "pipesched_projects"
	runsTable     = "pipesched_runs"
	jobsTable     = "pipesched_jobs"
)

var dialect = goqu.Dialect("postgres")

// executor is implemented by both *goqu.Database and *goqu.TxDatabase.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	ScanValContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
	ScanValsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
}

type store struct {
	sqlDb *sql.DB
	db    *goqu.Database
}

// Open connects to the database at dsn and makes sure the tables exist.
func Open(ctx context.Context, dsn string) (runstore.Store, error) {
	sqlDb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := sqlDb.PingContext(ctx); err != nil {
		sqlDb.Close()
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	if err := Migrate(ctx, sqlDb); err != nil {
		sqlDb.Close()
		return nil, err
	}
	return MakeStore(sqlDb), nil
}

// MakeStore wraps an open connection pool. The tables must already exist.
func MakeStore(sqlDb *sql.DB) runstore.Store {
	return &store{sqlDb: sqlDb, db: goqu.New("postgres", sqlDb)}
}

// Schema returns the statements creating every table the store uses.
func Schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	project_id  text PRIMARY KEY,
	last_run_id bigint NOT NULL
)`, pq.QuoteIdentifier(projectsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	project_id text   NOT NULL,
	run_id     bigint NOT NULL,
	doc        text   NOT NULL,
	PRIMARY KEY (project_id, run_id)
)`, pq.QuoteIdentifier(runsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id     text PRIMARY KEY,
	project_id text NOT NULL,
	seq        bigserial,
	doc        text NOT NULL
)`, pq.QuoteIdentifier(jobsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (project_id, seq)`,
			pq.QuoteIdentifier(jobsTable+"_project_idx"), pq.QuoteIdentifier(jobsTable)),
	}
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrating schema")
		}
	}
	log.Info("Postgres run store schema is up to date")
	return nil
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func exec(ctx context.Context, e executor, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res, err := e.ExecContext(ctx, query, args...)
	return res, errors.WithStack(err)
}

func scanVal(ctx context.Context, e executor, b sqlBuilder, dest interface{}) (bool, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return false, errors.WithStack(err)
	}
	found, err := e.ScanValContext(ctx, dest, query, args...)
	return found, errors.WithStack(err)
}

func scanVals(ctx context.Context, e executor, b sqlBuilder, dest interface{}) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(e.ScanValsContext(ctx, dest, query, args...))
}

func nextRunIDQuery(projectID string) *goqu.InsertDataset {
	return dialect.Insert(projectsTable).Prepared(true).
		Rows(goqu.Record{"project_id": projectID, "last_run_id": 1}).
		OnConflict(goqu.DoUpdate("project_id", goqu.Record{
			"last_run_id": goqu.L(`"pipesched_projects"."last_run_id" + 1`),
		})).
		Returning("last_run_id")
}

func insertRunQuery(projectID string, runID int64, doc string) *goqu.InsertDataset {
	return dialect.Insert(runsTable).Prepared(true).
		Rows(goqu.Record{"project_id": projectID, "run_id": runID, "doc": doc})
}

func getRunQuery(projectID string, runID int64) *goqu.SelectDataset {
	return dialect.From(runsTable).Prepared(true).
		Select("doc").
		Where(goqu.Ex{"project_id": projectID, "run_id": runID})
}

func updateRunQuery(projectID string, runID int64, doc string) *goqu.UpdateDataset {
	return dialect.Update(runsTable).Prepared(true).
		Set(goqu.Record{"doc": doc}).
		Where(goqu.Ex{"project_id": projectID, "run_id": runID})
}

func listRunsQuery(projectID string) *goqu.SelectDataset {
	return dialect.From(runsTable).Prepared(true).
		Select("doc").
		Where(goqu.Ex{"project_id": projectID}).
		Order(goqu.C("run_id").Asc())
}

func insertJobQuery(doc *domain.JobDoc, data string) *goqu.InsertDataset {
	return dialect.Insert(jobsTable).Prepared(true).
		Rows(goqu.Record{"job_id": doc.ID, "project_id": doc.ProjectID, "doc": data}).
		OnConflict(goqu.DoNothing())
}

func getJobQuery(jobID string, lock bool) *goqu.SelectDataset {
	ds := dialect.From(jobsTable).Prepared(true).
		Select("doc").
		Where(goqu.Ex{"job_id": jobID})
	if lock {
		ds = ds.ForUpdate(exp.Wait)
	}
	return ds
}

func updateJobQuery(jobID string, data string) *goqu.UpdateDataset {
	return dialect.Update(jobsTable).Prepared(true).
		Set(goqu.Record{"doc": data}).
		Where(goqu.Ex{"job_id": jobID})
}

func listJobsQuery(projectID string) *goqu.SelectDataset {
	return dialect.From(jobsTable).Prepared(true).
		Select("doc").
		Where(goqu.Ex{"project_id": projectID}).
		Order(goqu.C("seq").Asc())
}

func listProjectsQuery() *goqu.SelectDataset {
	return dialect.From(jobsTable).Prepared(true).
		Select("project_id").
		Distinct().
		Order(goqu.C("project_id").Asc())
}

func (s *store) CreateRun(ctx context.Context, run *domain.ProjectRun) (int64, error) {
	var id int64
	err := s.db.WithTx(func(tx *goqu.TxDatabase) error {
		if _, err := scanVal(ctx, tx, nextRunIDQuery(run.ProjectID), &id); err != nil {
			return err
		}
		stored := run.Copy()
		stored.ID = &id
		data, err := json.Marshal(stored)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = exec(ctx, tx, insertRunQuery(run.ProjectID, id, string(data)))
		return err
	})
	if err != nil {
		return 0, err
	}
	run.ID = &id
	return id, nil
}

func (s *store) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	var data string
	found, err := scanVal(ctx, s.db, getRunQuery(projectID, runID), &data)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, projectID)
	}
	return decodeRun(data)
}

func decodeRun(data string) (*domain.ProjectRun, error) {
	run := &domain.ProjectRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, errors.Wrap(err, "decoding run")
	}
	return run, nil
}

func (s *store) UpdateRun(ctx context.Context, run *domain.ProjectRun) error {
	runID := run.RequireID()
	data, err := json.Marshal(run)
	if err != nil {
		return errors.WithStack(err)
	}
	res, err := exec(ctx, s.db, updateRunQuery(run.ProjectID, runID, string(data)))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.WithStack(err)
	} else if n == 0 {
		return errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, run.ProjectID)
	}
	return nil
}

func (s *store) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	var docs []string
	if err := scanVals(ctx, s.db, listRunsQuery(projectID), &docs); err != nil {
		return nil, err
	}
	runs := make([]*domain.ProjectRun, 0, len(docs))
	for _, d := range docs {
		run, err := decodeRun(d)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *store) CreateJob(ctx context.Context, doc *domain.JobDoc) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.WithStack(err)
	}
	res, err := exec(ctx, s.db, insertJobQuery(doc, string(data)))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.WithStack(err)
	} else if n == 0 {
		return errors.Wrapf(runstore.ErrExists, "job %s", doc.ID)
	}
	return nil
}

func (s *store) GetJob(ctx context.Context, jobID string) (*domain.JobDoc, error) {
	return getJob(ctx, s.db, jobID, false)
}

func getJob(ctx context.Context, e executor, jobID string, lock bool) (*domain.JobDoc, error) {
	var data string
	found, err := scanVal(ctx, e, getJobQuery(jobID, lock), &data)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(runstore.ErrNotFound, "job %s", jobID)
	}
	return decodeJob(data)
}

func decodeJob(data string) (*domain.JobDoc, error) {
	doc := &domain.JobDoc{}
	if err := json.Unmarshal([]byte(data), doc); err != nil {
		return nil, errors.Wrap(err, "decoding job")
	}
	return doc, nil
}

func (s *store) UpdateJob(ctx context.Context, jobID string, fn runstore.JobUpdater) (*domain.JobDoc, error) {
	var updated *domain.JobDoc
	err := s.db.WithTx(func(tx *goqu.TxDatabase) error {
		current, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		doc := current.Copy()
		if err := fn(doc); err != nil {
			return err
		}
		doc.ID, doc.ProjectID = current.ID, current.ProjectID
		doc.Version = current.Version + 1
		data, err := json.Marshal(doc)
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := exec(ctx, tx, updateJobQuery(jobID, string(data))); err != nil {
			return err
		}
		updated = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *store) ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error) {
	var rows []string
	if err := scanVals(ctx, s.db, listJobsQuery(projectID), &rows); err != nil {
		return nil, err
	}
	docs := make([]*domain.JobDoc, 0, len(rows))
	for _, r := range rows {
		doc, err := decodeJob(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *store) ListProjects(ctx context.Context) ([]string, error) {
	var projects []string
	if err := scanVals(ctx, s.db, listProjectsQuery(), &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *store) Close() error {
	return s.sqlDb.Close()
}
