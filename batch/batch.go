// Package batch describes the external batch cluster that jobs submit their
// work to. Work is tagged with an opaque owner token so completions can be
// routed back to whoever submitted it.
package batch

//go:generate mockgen -source=batch.go -package=batch -destination=batch_mock.go

import (
	"context"
	"fmt"
	"time"
)

// HistoryStatus is one event in a cluster job's status history.
type HistoryStatus int

const (
	Submitted HistoryStatus = iota
	Started
	Ended
	Abandoned
)

func (s HistoryStatus) String() string {
	switch s {
	case Submitted:
		return "Submitted"
	case Started:
		return "Started"
	case Ended:
		return "Ended"
	case Abandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("HistoryStatus(%d)", int(s))
	}
}

// ResultType is the outcome the cluster reports once a job has ended.
type ResultType int

const (
	Success ResultType = iota
	Failure
	Canceled
)

func (r ResultType) String() string {
	switch r {
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case Canceled:
		return "Canceled"
	default:
		return fmt.Sprintf("ResultType(%d)", int(r))
	}
}

// CancelResult is the cluster's answer to a cancel request for an owner.
type CancelResult int

const (
	// The cluster has no record of the owner.
	UnknownJob CancelResult = iota

	// Everything was canceled synchronously, no completion event will follow.
	AllCanceled

	// Cancellation was acknowledged, completion arrives later as an event.
	CancelRequested
)

func (c CancelResult) String() string {
	switch c {
	case UnknownJob:
		return "UnknownJob"
	case AllCanceled:
		return "AllCanceled"
	case CancelRequested:
		return "CancelRequested"
	default:
		return fmt.Sprintf("CancelResult(%d)", int(c))
	}
}

type HistoryEntry struct {
	Status HistoryStatus `json:"status"`
	Time   time.Time     `json:"time"`
}

// ArrayProgress counts sub-tasks of a job submitted as an array.
type ArrayProgress struct {
	Started int `json:"started"`
	Ended   int `json:"ended"`
	Failed  int `json:"failed"`
}

// Record is the cluster's view of one submitted job.
type Record struct {
	ID            string         `json:"id"`
	Owner         string         `json:"owner"`
	Name          string         `json:"name"`
	Canceled      bool           `json:"canceled"`
	History       []HistoryEntry `json:"history"`
	ArrayProgress *ArrayProgress `json:"arrayProgress,omitempty"`
	Result        *ResultType    `json:"result,omitempty"`
}

// EarliestTime returns the first history timestamp, false if there is none.
func (r *Record) EarliestTime() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, h := range r.History {
		if h.Time.IsZero() {
			continue
		}
		if !found || h.Time.Before(earliest) {
			earliest = h.Time
			found = true
		}
	}
	return earliest, found
}

// HasStatus reports whether the history contains the given status.
func (r *Record) HasStatus(status HistoryStatus) bool {
	for _, h := range r.History {
		if h.Status == status {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the record.
func (r Record) Copy() Record {
	c := r
	c.History = append([]HistoryEntry(nil), r.History...)
	if r.ArrayProgress != nil {
		p := *r.ArrayProgress
		c.ArrayProgress = &p
	}
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	return c
}

// Submission is a unit of work handed to the cluster.
// ArraySize > 0 runs that many copies of Command as one array job.
type Submission struct {
	Name      string
	Command   []string
	ArraySize int
}

// OwnerListener is told when all cluster jobs for an owner have ended.
type OwnerListener func(owner string, result ResultType)

// Querier is the read side of the cluster.
type Querier interface {
	GetByOwner(ctx context.Context, owner string) ([]Record, error)
}

type Cluster interface {
	Querier

	// Submit work tagged with owner, returns the cluster job id.
	Submit(ctx context.Context, owner string, sub Submission) (string, error)

	// Cancel all work for owner.
	Cancel(ctx context.Context, owner string) (CancelResult, error)

	// Subscribe to owner completion events. Listeners are never invoked
	// from within Submit or Cancel.
	Subscribe(l OwnerListener) (unsubscribe func())
}
