// Package file stores runs and job documents as JSON files on local disk.
// Not durable beyond machine failure.
//
// Layout under the root directory:
//
//	jobs/job_<jobId>.json             one document per job
//	projects/<project>/run_<id>.json  one document per run
//
// Every write goes to a temp file that is renamed into place, so readers
// never see a partial document.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
)

const (
	jobsDir     = "jobs"
	projectsDir = "projects"
	jobPrefix   = "job_"
	runPrefix   = "run_"
	suffix      = ".json"
)

type jobFile struct {
	Seq int64          `json:"seq"`
	Doc *domain.JobDoc `json:"doc"`
}

type store struct {
	dirName string
	mu      sync.Mutex
	lastSeq int64
}

// MakeStore opens a store rooted at dirName, creating the directory if needed.
func MakeStore(dirName string) (runstore.Store, error) {
	for _, d := range []string{dirName, filepath.Join(dirName, jobsDir), filepath.Join(dirName, projectsDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", d)
		}
	}
	s := &store{dirName: dirName}
	jobs, err := s.readAllJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Seq > s.lastSeq {
			s.lastSeq = j.Seq
		}
	}
	log.WithFields(log.Fields{"dir": dirName, "jobs": len(jobs)}).Info("Opened file run store")
	return s, nil
}

func (s *store) projectDir(projectID string) string {
	return filepath.Join(s.dirName, projectsDir, url.PathEscape(projectID))
}

func (s *store) runFileName(projectID string, runID int64) string {
	return filepath.Join(s.projectDir(projectID), fmt.Sprintf("%s%d%s", runPrefix, runID, suffix))
}

func (s *store) jobFileName(jobID string) string {
	return filepath.Join(s.dirName, jobsDir, jobPrefix+url.PathEscape(jobID)+suffix)
}

func (s *store) CreateRun(ctx context.Context, run *domain.ProjectRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.projectDir(run.ProjectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.WithStack(err)
	}
	ids, err := s.runIDs(run.ProjectID)
	if err != nil {
		return 0, err
	}
	id := int64(1)
	if len(ids) > 0 {
		id = ids[len(ids)-1] + 1
	}

	stored := run.Copy()
	stored.ID = &id
	if err := writeJSON(s.runFileName(run.ProjectID, id), stored); err != nil {
		return 0, err
	}
	run.ID = &id
	return id, nil
}

func (s *store) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRun(projectID, runID)
}

func (s *store) readRun(projectID string, runID int64) (*domain.ProjectRun, error) {
	run := &domain.ProjectRun{}
	if err := readJSON(s.runFileName(projectID, runID), run); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(runstore.ErrNotFound, "run %d of project %s", runID, projectID)
		}
		return nil, err
	}
	return run, nil
}

func (s *store) UpdateRun(ctx context.Context, run *domain.ProjectRun) error {
	runID := run.RequireID()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readRun(run.ProjectID, runID); err != nil {
		return err
	}
	return writeJSON(s.runFileName(run.ProjectID, runID), run)
}

func (s *store) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.runIDs(projectID)
	if err != nil {
		return nil, err
	}
	runs := make([]*domain.ProjectRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.readRun(projectID, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// runIDs returns the stored run ids of a project in ascending order.
func (s *store) runIDs(projectID string) ([]int64, error) {
	entries, err := os.ReadDir(s.projectDir(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, runPrefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, runPrefix), suffix), 10, 64)
		if err != nil {
			log.WithFields(log.Fields{"file": name, "project": projectID}).Warn("Skipping unrecognized run file")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *store) CreateJob(ctx context.Context, doc *domain.JobDoc) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.jobFileName(doc.ID)
	if _, err := os.Stat(name); err == nil {
		return errors.Wrapf(runstore.ErrExists, "job %s", doc.ID)
	} else if !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	s.lastSeq++
	return writeJSON(name, &jobFile{Seq: s.lastSeq, Doc: doc.Copy()})
}

func (s *store) GetJob(ctx context.Context, jobID string) (*domain.JobDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jf, err := s.readJob(jobID)
	if err != nil {
		return nil, err
	}
	return jf.Doc, nil
}

func (s *store) readJob(jobID string) (*jobFile, error) {
	jf := &jobFile{}
	if err := readJSON(s.jobFileName(jobID), jf); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(runstore.ErrNotFound, "job %s", jobID)
		}
		return nil, err
	}
	return jf, nil
}

func (s *store) UpdateJob(ctx context.Context, jobID string, fn runstore.JobUpdater) (*domain.JobDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jf, err := s.readJob(jobID)
	if err != nil {
		return nil, err
	}
	doc := jf.Doc.Copy()
	if err := fn(doc); err != nil {
		return nil, err
	}
	doc.ID, doc.ProjectID = jf.Doc.ID, jf.Doc.ProjectID
	doc.Version = jf.Doc.Version + 1
	if err := writeJSON(s.jobFileName(jobID), &jobFile{Seq: jf.Seq, Doc: doc}); err != nil {
		return nil, err
	}
	return doc.Copy(), nil
}

func (s *store) ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAllJobs()
	if err != nil {
		return nil, err
	}
	var docs []*domain.JobDoc
	for _, jf := range all {
		if jf.Doc.ProjectID == projectID {
			docs = append(docs, jf.Doc)
		}
	}
	return docs, nil
}

func (s *store) ListProjects(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAllJobs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var projects []string
	for _, jf := range all {
		if !seen[jf.Doc.ProjectID] {
			seen[jf.Doc.ProjectID] = true
			projects = append(projects, jf.Doc.ProjectID)
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// readAllJobs is a full directory scan ordered by creation sequence.
// Fine for the handful of jobs a project has.
func (s *store) readAllJobs() ([]*jobFile, error) {
	dir := filepath.Join(s.dirName, jobsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var jobs []*jobFile
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), jobPrefix) || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		jf := &jobFile{}
		if err := readJSON(filepath.Join(dir, e.Name()), jf); err != nil {
			return nil, err
		}
		jobs = append(jobs, jf)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs, nil
}

func (s *store) Close() error {
	return nil
}

func readJSON(name string, v interface{}) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "corrupted document %s", name)
	}
	return nil
}

func writeJSON(name string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), name))
}
