// Package job defines the persisted job record and its lifecycle helpers.
package job

import (
	"maps"
	"time"
)

// Job is the persistent record of one submitted computation.
//
// Inputs are the union of the caller's inputs and the store-wide defaults,
// caller values taking precedence. Results are only populated when the
// status is DONE and Error only when it is FAILED or INVALID.
//
// Workdir starts empty; the orchestrator allocates it at launch and Close
// removes it.
type Job struct {
	Status    Status         `json:"status"`
	Inputs    map[string]any `json:"inputs"`
	Results   map[string]any `json:"results,omitempty"`
	Error     string         `json:"error,omitempty"`
	Workdir   string         `json:"workdir,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New creates an INVALID job from inputs and defaults.
func New(inputs, defaults map[string]any) *Job {
	merged := make(map[string]any, len(inputs)+len(defaults))
	maps.Copy(merged, defaults)
	maps.Copy(merged, inputs)
	return &Job{
		Status:    StatusInvalid,
		Inputs:    merged,
		CreatedAt: time.Now().UTC(),
	}
}

// SaveResults replaces any previous results.
func (j *Job) SaveResults(results map[string]any) {
	j.Results = make(map[string]any, len(results))
	maps.Copy(j.Results, results)
}

// SetDone records a successful computation.
func (j *Job) SetDone(results map[string]any) {
	j.SaveResults(results)
	j.Status = StatusDone
	j.Error = ""
}

// SetFailed records a failed computation with its error report.
func (j *Job) SetFailed(report string) {
	j.Results = nil
	j.Status = StatusFailed
	j.Error = report
}

// SetInvalid flags the job as inconsistent with the reason why.
func (j *Job) SetInvalid(reason string) {
	j.Results = nil
	j.Status = StatusInvalid
	j.Error = reason
}

// SetCancelled records a cancellation. An INVALID diagnosis is kept.
func (j *Job) SetCancelled() {
	if j.Status == StatusInvalid {
		return
	}
	j.Results = nil
	j.Status = StatusCancelled
	j.Error = ""
}

// HasError reports whether an error message is set.
func (j *Job) HasError() bool {
	return j.Error != ""
}
