// Package models contains shared data models used across the hordetrack codebase.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Statuses a job can still leave. Used by listActive queries.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// Statuses from which no further transition occurs.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// validTransitions lists the allowed moves out of each non-terminal state.
// Terminal states only accept a repeat of themselves.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusPending:    true,
		JobStatusProcessing: true,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelled:  true,
	},
	JobStatusProcessing: {
		JobStatusProcessing: true,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelled:  true,
	},
	JobStatusCompleted: {JobStatusCompleted: true},
	JobStatusFailed:    {JobStatusFailed: true},
	JobStatusCancelled: {JobStatusCancelled: true},
}

// CanTransition reports whether a job in state from may be moved to state to.
func CanTransition(from, to JobStatus) bool {
	return validTransitions[from][to]
}

// Job tracks one image-generation request from remote acceptance to a terminal outcome.
// JobID is assigned by the Horde and never changes. CompletedAt is set exactly once,
// on the first transition into a terminal state.
type Job struct {
	JobID       string          `db:"job_id"       json:"jobId"`
	UserID      *string         `db:"user_id"      json:"userId,omitempty"`
	Status      JobStatus       `db:"status"       json:"status"`
	Prompt      string          `db:"prompt"       json:"prompt"`
	Model       string          `db:"model"        json:"model"`
	Params      json.RawMessage `db:"params"       json:"params,omitempty"`
	ResultData  map[string]any  `db:"result_data"  json:"resultData,omitempty"`
	CreatedAt   time.Time       `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updatedAt"`
	CompletedAt *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// Reason returns the failure reason recorded in ResultData, if any.
func (j *Job) Reason() string {
	if j == nil || j.ResultData == nil {
		return ""
	}
	r, _ := j.ResultData["reason"].(string)
	return r
}

// OwnedBy reports whether userID may see the job. Anonymous jobs are visible to everyone,
// and an empty userID skips the check.
func (j *Job) OwnedBy(userID string) bool {
	if userID == "" || j.UserID == nil {
		return true
	}
	return *j.UserID == userID
}
