// Package client is the HTTP client of the scheduler API, used by the
// command line binaries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	perrors "github.com/twitter/pipesched/common/errors"
	"github.com/twitter/pipesched/scheduler/api"
	"github.com/twitter/pipesched/scheduler/domain"
)

// DefaultHttpTries bounds attempts of idempotent requests (0 and 1 both mean 1 try total).
const DefaultHttpTries = 5

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MakePesterClient retries failed requests with exponential backoff.
func MakePesterClient(tries int) *pester.Client {
	c := pester.New()
	c.Backoff = pester.ExponentialBackoff
	c.MaxRetries = tries
	c.LogHook = func(e pester.ErrEntry) {
		log.Warnf("Retrying after failed attempt: %+v", e)
	}
	return c
}

// StatusError is an error answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// IsNotFound is true if the server answered 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to one scheduler. GETs go through read, which retries;
// POSTs create state and go through write, which doesn't.
type Client struct {
	base  string
	read  Doer
	write Doer
}

type ClientConfig struct {
	Addr  string // host:port or a full URL
	Tries int    // attempts for reads, default to DefaultHttpTries
}

func NewClient(config ClientConfig) *Client {
	tries := config.Tries
	if tries <= 0 {
		tries = DefaultHttpTries
	}
	return NewCustomClient(config.Addr, MakePesterClient(tries), MakePesterClient(1))
}

func NewCustomClient(addr string, read, write Doer) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), read: read, write: write}
}

func (c *Client) CreateJob(ctx context.Context, projectID string, req *api.CreateJobRequest) (*domain.JobDoc, error) {
	doc := &domain.JobDoc{}
	if err := c.do(ctx, c.write, http.MethodPost, projectPath(projectID, "jobs"), req, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) ListJobs(ctx context.Context, projectID string) ([]*domain.JobDoc, error) {
	var docs []*domain.JobDoc
	err := c.do(ctx, c.read, http.MethodGet, projectPath(projectID, "jobs"), nil, &docs)
	return docs, err
}

// CreateRun starts a run of jobIDs and returns its id.
func (c *Client) CreateRun(ctx context.Context, projectID string, jobIDs []string, userID string) (int64, error) {
	resp := &api.CreateRunResponse{}
	req := &api.CreateRunRequest{JobIDs: jobIDs, UserID: userID}
	if err := c.do(ctx, c.write, http.MethodPost, projectPath(projectID, "runs"), req, resp); err != nil {
		return 0, err
	}
	return resp.RunID, nil
}

func (c *Client) ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error) {
	var runs []*domain.ProjectRun
	err := c.do(ctx, c.read, http.MethodGet, projectPath(projectID, "runs"), nil, &runs)
	return runs, err
}

func (c *Client) GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRunData, error) {
	data := &domain.ProjectRunData{}
	if err := c.do(ctx, c.read, http.MethodGet, projectPath(projectID, "runs", fmt.Sprint(runID)), nil, data); err != nil {
		return nil, err
	}
	return data, nil
}

// CancelRun cancels a run and returns it as it stands after the request.
func (c *Client) CancelRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error) {
	run := &domain.ProjectRun{}
	if err := c.do(ctx, c.write, http.MethodPost, projectPath(projectID, "runs", fmt.Sprint(runID), "cancel"), nil, run); err != nil {
		return nil, err
	}
	return run, nil
}

func projectPath(projectID string, parts ...string) string {
	escaped := []string{"projects", url.PathEscape(projectID)}
	return "/" + strings.Join(append(escaped, parts...), "/")
}

// do sends body as JSON and decodes a 2xx answer into out. Errors carry the
// exit code the CLI should use.
func (c *Client) do(ctx context.Context, doer Doer, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return perrors.NewError(errors.WithStack(err), perrors.UsageExitCode)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return perrors.NewError(errors.WithStack(err), perrors.UsageExitCode)
	}
	req.Header.Set("Content-Type", "application/json")
	log.Debugf("%s %s", method, req.URL)

	resp, err := doer.Do(req)
	if err != nil {
		return perrors.NewError(errors.Wrapf(err, "%s %s", method, path), perrors.ConnectionFailureExitCode)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errResp := &api.ErrorResponse{}
		if err := json.NewDecoder(resp.Body).Decode(errResp); err != nil || errResp.Error == "" {
			errResp.Error = resp.Status
		}
		code := perrors.RequestRejectedExitCode
		if resp.StatusCode >= 500 {
			code = perrors.ServerFailureExitCode
		}
		return perrors.NewError(&StatusError{Code: resp.StatusCode, Message: errResp.Error}, code)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return perrors.NewError(errors.Wrap(err, "decoding response"), perrors.ServerFailureExitCode)
	}
	return nil
}
