// Package domain provides definitions for project runs, job runs and the
// owner tokens that tie batch cluster work back to them.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus for Runs & Jobs
type RunStatus int

const (
	// Queued, waiting to be started by the scheduler
	Waiting RunStatus = iota

	// Currently started and in progress
	Running

	// Finished successfully
	Succeeded

	// Finished unsuccessfully
	Failed

	// Stopped by a user (or system) request before finishing
	Canceled
)

var runStatusNames = [...]string{"Waiting", "Running", "Succeeded", "Failed", "Canceled"}

func (s RunStatus) String() string {
	if s < Waiting || s > Canceled {
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
	return runStatusNames[s]
}

// IsTerminal is true once no more transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

// ParseRunStatus converts a status name back into a RunStatus.
func ParseRunStatus(name string) (RunStatus, error) {
	for i, n := range runStatusNames {
		if n == name {
			return RunStatus(i), nil
		}
	}
	return Waiting, fmt.Errorf("unknown run status %q", name)
}

func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RunStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseRunStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// JobDoc is the persisted configuration of one job in a project.
// Inputs names the upstream jobs whose outputs this job consumes.
type JobDoc struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	Name          string     `json:"name"`
	Inputs        []string   `json:"inputs,omitempty"`
	Command       []string   `json:"command,omitempty"`
	ArraySize     int        `json:"arraySize,omitempty"`
	Stale         bool       `json:"stale"`
	LastSucceeded *time.Time `json:"lastSucceeded,omitempty"`
	Version       int64      `json:"version"`
}

func (d *JobDoc) String() string {
	return fmt.Sprintf("job:%s, project:%s, name:%s, inputs:%v, stale:%t", d.ID, d.ProjectID, d.Name, d.Inputs, d.Stale)
}

// Copy returns a deep copy so stored documents are never shared with callers.
func (d *JobDoc) Copy() *JobDoc {
	if d == nil {
		return nil
	}
	c := *d
	c.Inputs = append([]string(nil), d.Inputs...)
	c.Command = append([]string(nil), d.Command...)
	if d.LastSucceeded != nil {
		t := *d.LastSucceeded
		c.LastSucceeded = &t
	}
	return &c
}

// Validate checks the fields every store relies on.
func (d *JobDoc) Validate() error {
	if d.ProjectID == "" {
		return fmt.Errorf("job %q has no project", d.ID)
	}
	if err := ValidJobID(d.ID); err != nil {
		return err
	}
	for _, in := range d.Inputs {
		if in == d.ID {
			return fmt.Errorf("job %q lists itself as an input", d.ID)
		}
	}
	return nil
}

// JobData is the snapshot of a job handed to listeners.
type JobData struct {
	JobID         string     `json:"jobId"`
	ProjectID     string     `json:"projectId"`
	Name          string     `json:"name"`
	Stale         bool       `json:"stale"`
	LastSucceeded *time.Time `json:"lastSucceeded,omitempty"`
}

func (d *JobDoc) Data() JobData {
	c := d.Copy()
	return JobData{
		JobID:         c.ID,
		ProjectID:     c.ProjectID,
		Name:          c.Name,
		Stale:         c.Stale,
		LastSucceeded: c.LastSucceeded,
	}
}
