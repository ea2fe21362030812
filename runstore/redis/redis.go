// Package redis stores runs and job documents in Redis.
//
// Read-modify-write updates use WATCH/MULTI/EXEC and are retried when a
// concurrent writer touched the same key.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
)

const maxTxAttempts = 100

type jobEntry struct {
	Seq int64          `json:"seq"`
	Doc *domain.JobDoc `json:"doc"`
}

type store struct {
	db     *redis.Client
	prefix string
}

// Dial connects to addr and checks the server answers.
func Dial(addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
	}
	return client, nil
}

// MakeStore uses db for storage with every key under prefix.
// The store owns db and closes it on Close.
func MakeStore(db *redis.Client, prefix string) runstore.Store {
	return &store{db: db, prefix: prefix}
}

func (s *store) runKey(projectID string, runID int64) string {
	return fmt.Sprintf("%srun:%s:%d", s.prefix, projectID, runID)
}
func (s *store) runIndexKey(projectID string) string { return s.prefix + "runs:" + projectID }
func (s *store) runSeqKey(projectID string) string   { return s.prefix + "runseq:" + projectID }
func (s *store) jobKey(jobID string) string           { return s.prefix + "job:" + jobID }
func (s *store) jobIndexKey(projectID string) string { return s.prefix + "jobs:" + projectID }
func (s *store) jobSeqKey() string                   { return s.prefix + "jobseq" }
func (s *store) projectsKey() string                 { return s.prefix + "projects" }

func (s *store) CreateRun(ctx context.Context, run *domain.ProjectRun) (int64, error) {
	id, err := s.db.Incr(s.runSeqKey(run.ProjectID)).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	stored := run.Copy()
	stored.ID = &id
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	_, err = s.db.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Set(s.runKey(run.ProjectID, id), data, 0)
		pipe.ZAdd(s.runIndexKey(run.ProjectID), redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	run.ID = &id
	return id, nil
}

func (s *store) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	data, err := s.db.Get(s.runKey(projectID, runID)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, projectID)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	run := &domain.ProjectRun{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, errors.Wrapf(err, "decoding run %d of project %s", runID, projectID)
	}
	return run, nil
}

func (s *store) UpdateRun(ctx context.Context, run *domain.ProjectRun) error {
	runID := run.RequireID()
	key := s.runKey(run.ProjectID, runID)
	data, err := json.Marshal(run)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.transact(key, func(tx *redis.Tx) error {
		n, err := tx.Exists(key).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if n == 0 {
			return errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, run.ProjectID)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			return nil
		})
		return err
	})
}

func (s *store) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	members, err := s.db.ZRange(s.runIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	runs := make([]*domain.ProjectRun, 0, len(members))
	for _, m := range members {
		var id int64
		if _, err := fmt.Sscan(m, &id); err != nil {
			return nil, errors.Wrapf(err, "bad run index entry %q", m)
		}
		run, err := s.GetRun(ctx, projectID, id)
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
	seq, err := s.db.Incr(s.jobSeqKey()).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	data, err := json.Marshal(&jobEntry{Seq: seq, Doc: doc})
	if err != nil {
		return errors.WithStack(err)
	}

	key := s.jobKey(doc.ID)
	return s.transact(key, func(tx *redis.Tx) error {
		n, err := tx.Exists(key).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if n > 0 {
			return errors.Wrapf(runstore.ErrExists, "job %s", doc.ID)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			pipe.ZAdd(s.jobIndexKey(doc.ProjectID), redis.Z{Score: float64(seq), Member: doc.ID})
			pipe.SAdd(s.projectsKey(), doc.ProjectID)
			return nil
		})
		return err
	})
}

func (s *store) GetJob(ctx context.Context, jobID string) (*domain.JobDoc, error) {
	entry, err := readJob(s.db, s.jobKey(jobID), jobID)
	if err != nil {
		return nil, err
	}
	return entry.Doc, nil
}

type getter interface {
	Get(key string) *redis.StringCmd
}

func readJob(g getter, key, jobID string) (*jobEntry, error) {
	data, err := g.Get(key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(runstore.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	entry := &jobEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, errors.Wrapf(err, "decoding job %s", jobID)
	}
	return entry, nil
}

func (s *store) UpdateJob(ctx context.Context, jobID string, fn runstore.JobUpdater) (*domain.JobDoc, error) {
	key := s.jobKey(jobID)
	var updated *domain.JobDoc
	err := s.transact(key, func(tx *redis.Tx) error {
		entry, err := readJob(tx, key, jobID)
		if err != nil {
			return err
		}
		doc := entry.Doc.Copy()
		if err := fn(doc); err != nil {
			return err
		}
		doc.ID, doc.ProjectID = entry.Doc.ID, entry.Doc.ProjectID
		doc.Version = entry.Doc.Version + 1
		data, err := json.Marshal(&jobEntry{Seq: entry.Seq, Doc: doc})
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			return nil
		})
		if err == nil {
			updated = doc
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *store) ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error) {
	ids, err := s.db.ZRange(s.jobIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	docs := make([]*domain.JobDoc, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *store) ListProjects(ctx context.Context) ([]string, error) {
	projects, err := s.db.SMembers(s.projectsKey()).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(projects)
	return projects, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

// transact runs fn with key watched, retrying while EXEC aborts because
// another client modified key first. Errors from fn are returned as is.
func (s *store) transact(key string, fn func(tx *redis.Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.db.Watch(fn, key)
		if err != redis.TxFailedErr {
			return err
		}
		log.WithFields(log.Fields{"key": key, "attempt": attempt}).Debug("Redis transaction conflict, retrying")
	}
	return errors.Errorf("gave up updating %s after %d conflicting attempts", key, maxTxAttempts)
}
