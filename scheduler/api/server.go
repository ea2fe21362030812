// Package api serves the scheduler over HTTP: job documents, runs and
// cancellation under /projects, plus the admin and metrics routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/common/endpoints"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/domain"
	"github.com/twitter/pipesched/scheduler/graph"
	"github.com/twitter/pipesched/scheduler/server"
)

// Scheduler is what the API needs from server.JobRunner.
type Scheduler interface {
	Init(ctx context.Context, projectID string, jobIDs []string, userID string) (int64, error)
	Cancel(ctx context.Context, projectID string, runID int64) error
	ListRuns(ctx context.Context, projectID string) ([]*domain.ProjectRun, error)
	GetRun(ctx context.Context, projectID string, runID int64) (*domain.ProjectRun, error)
	GetRunData(ctx context.Context, querier batch.Querier, projectID string, runID int64) (domain.ProjectRunData, error)
}

var _ Scheduler = (*server.JobRunner)(nil)

type CreateJobRequest struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Inputs    []string `json:"inputs,omitempty"`
	Command   []string `json:"command"`
	ArraySize int      `json:"arraySize,omitempty"`
}

type CreateRunRequest struct {
	JobIDs []string `json:"jobIds"`
	UserID string   `json:"userId,omitempty"`
}

type CreateRunResponse struct {
	RunID int64 `json:"runId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the /projects routes.
type Handler struct {
	sched   Scheduler
	jobs    runstore.JobStore
	querier batch.Querier
	stat    stats.StatsReceiver
	limiter *rate.Limiter
}

// NewHandler builds the API. A nil limiter means no rate limit.
func NewHandler(sched Scheduler, jobs runstore.JobStore, querier batch.Querier, stat stats.StatsReceiver, limiter *rate.Limiter) *Handler {
	return &Handler{sched: sched, jobs: jobs, querier: querier, stat: stat, limiter: limiter}
}

// NewRouter wires the API, the admin routes and the prometheus endpoint.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, health endpoints.HealthCheck) *mux.Router {
	r := mux.NewRouter()
	endpoints.Register(r, h.stat, health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	p := r.PathPrefix("/projects/{project}").Subrouter()
	p.Use(h.limit, h.measure)
	p.HandleFunc("/jobs", h.CreateJob).Methods(http.MethodPost)
	p.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	p.HandleFunc("/runs", h.CreateRun).Methods(http.MethodPost)
	p.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	p.HandleFunc("/runs/{run}", h.GetRun).Methods(http.MethodGet)
	p.HandleFunc("/runs/{run}/cancel", h.CancelRun).Methods(http.MethodPost)
	return r
}

func (h *Handler) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			h.stat.Counter(stats.APIThrottledCounter).Inc(1)
			log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Warn("Request dropped by rate limit")
			writeJSON(w, http.StatusTooManyRequests, &ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer h.stat.Latency(stats.APIRequestLatency_ms).Time().Stop()
		h.stat.Counter(stats.APIRequestCounter).Inc(1)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding job"))
		return
	}
	doc := &domain.JobDoc{
		ID:        req.ID,
		ProjectID: projectID,
		Name:      req.Name,
		Inputs:    req.Inputs,
		Command:   req.Command,
		ArraySize: req.ArraySize,
	}
	if err := doc.Validate(); err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if len(doc.Command) == 0 {
		h.fail(w, r, http.StatusBadRequest, errors.Errorf("job %s has no command", doc.ID))
		return
	}

	existing, err := h.jobs.ListJobs(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if _, err := graph.New(append(existing, doc)); err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.jobs.CreateJob(r.Context(), doc); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	log.WithFields(log.Fields{"projectID": projectID, "job": doc}).Info("Created job")
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	docs, err := h.jobs.ListJobs(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if docs == nil {
		docs = []*domain.JobDoc{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding run request"))
		return
	}
	runID, err := h.sched.Init(r.Context(), projectID, req.JobIDs, req.UserID)
	if err != nil && runID == 0 {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if err != nil {
		// The run exists, only advancing it failed. It will be picked up
		// by the next event for the project.
		log.WithFields(log.Fields{"projectID": projectID, "runID": runID, "err": err}).Error("Run created but not advanced")
	}
	writeJSON(w, http.StatusCreated, &CreateRunResponse{RunID: runID})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.sched.ListRuns(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if runs == nil {
		runs = []*domain.ProjectRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, ok := h.runVars(w, r)
	if !ok {
		return
	}
	data, err := h.sched.GetRunData(r.Context(), h.querier, projectID, runID)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, ok := h.runVars(w, r)
	if !ok {
		return
	}
	if _, err := h.sched.GetRun(r.Context(), projectID, runID); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if err := h.sched.Cancel(r.Context(), projectID, runID); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	run, err := h.sched.GetRun(r.Context(), projectID, runID)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) runVars(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	vars := mux.Vars(r)
	runID, err := strconv.ParseInt(vars["run"], 10, 64)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, errors.Errorf("bad run id %q", vars["run"]))
		return "", 0, false
	}
	return vars["project"], runID, true
}

func statusFor(err error) int {
	switch {
	case server.IsInvalidRequest(err):
		return http.StatusBadRequest
	case runstore.IsNotFound(err):
		return http.StatusNotFound
	case errors.Cause(err) == runstore.ErrExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	fields := log.Fields{"method": r.Method, "path": r.URL.Path, "code": code, "err": err}
	if code >= http.StatusInternalServerError {
		h.stat.Counter(stats.APIServerErrCounter).Inc(1)
		log.WithFields(fields).Error("Request failed")
	} else {
		log.WithFields(fields).Info("Request rejected")
	}
	writeJSON(w, code, &ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("Failed to write response")
	}
}
