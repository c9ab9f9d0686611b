// Package models contains shared data models used across the ScopeLens codebase.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the persisted status column of a queue job.
type JobStatus string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Queue identifies which job table a job lives in.
type Queue string

const (
	QueueDetection  Queue = "scan_queue"
	QueuePlagiarism Queue = "plagiarism_queue"
)

// JobState is the tagged state of a Job. Exactly one of JobWaiting,
// JobProcessing, JobCompleted or JobFailed.
type JobState interface {
	Status() JobStatus
	isJobState()
}

// JobWaiting is a job eligible for dispatch.
type JobWaiting struct{}

// JobProcessing is a job claimed by exactly one processing account.
type JobProcessing struct {
	AccountID uuid.UUID
	StartedAt time.Time
}

// JobCompleted carries the raw detection payload.
type JobCompleted struct {
	AccountID   *uuid.UUID
	Result      json.RawMessage
	CompletedAt time.Time
}

// JobFailed is terminal.
type JobFailed struct {
	AccountID   *uuid.UUID
	Reason      string
	CompletedAt time.Time
}

func (JobWaiting) Status() JobStatus    { return JobStatusWaiting }
func (JobProcessing) Status() JobStatus { return JobStatusProcessing }
func (JobCompleted) Status() JobStatus  { return JobStatusCompleted }
func (JobFailed) Status() JobStatus     { return JobStatusFailed }

func (JobWaiting) isJobState()    {}
func (JobProcessing) isJobState() {}
func (JobCompleted) isJobState()  {}
func (JobFailed) isJobState()     {}

// Job is one queued unit of detection work. The owning user is not stored on
// the job; it is resolved through the originating scan.
type Job struct {
	ID         uuid.UUID
	ScanID     uuid.UUID
	InputText  string
	RetryCount int
	LastError  *string
	CreatedAt  time.Time
	State      JobState
}

// JobRow is the flat column layout of a job table row.
type JobRow struct {
	ID          uuid.UUID
	ScanID      uuid.UUID
	InputText   string
	Status      string
	AccountID   *uuid.UUID
	RetryCount  int
	Error       *string
	Result      []byte
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobFromRow validates a persisted row and converts it to a Job. Rows whose
// columns contradict their status (a processing row without an account, for
// example) are rejected.
func JobFromRow(r JobRow) (*Job, error) {
	job := &Job{
		ID:         r.ID,
		ScanID:     r.ScanID,
		InputText:  r.InputText,
		RetryCount: r.RetryCount,
		LastError:  r.Error,
		CreatedAt:  r.CreatedAt,
	}

	switch JobStatus(r.Status) {
	case JobStatusWaiting:
		job.State = JobWaiting{}
	case JobStatusProcessing:
		if r.AccountID == nil || r.StartedAt == nil {
			return nil, fmt.Errorf("job %s: processing without account or start time", r.ID)
		}
		job.State = JobProcessing{AccountID: *r.AccountID, StartedAt: *r.StartedAt}
	case JobStatusCompleted:
		st := JobCompleted{AccountID: r.AccountID, Result: r.Result}
		if r.CompletedAt != nil {
			st.CompletedAt = *r.CompletedAt
		}
		job.State = st
	case JobStatusFailed:
		st := JobFailed{AccountID: r.AccountID}
		if r.Error != nil {
			st.Reason = *r.Error
		}
		if r.CompletedAt != nil {
			st.CompletedAt = *r.CompletedAt
		}
		job.State = st
	default:
		return nil, fmt.Errorf("job %s: unknown status %q", r.ID, r.Status)
	}

	return job, nil
}

// Status is shorthand for j.State.Status().
func (j *Job) Status() JobStatus {
	if j.State == nil {
		return JobStatusWaiting
	}
	return j.State.Status()
}

type jobJSON struct {
	ID          uuid.UUID       `json:"id"`
	ScanID      uuid.UUID       `json:"scan_id"`
	Status      JobStatus       `json:"status"`
	AccountID   *uuid.UUID      `json:"account_id,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// MarshalJSON flattens the job state for API responses. Input text is omitted.
func (j Job) MarshalJSON() ([]byte, error) {
	out := jobJSON{
		ID:         j.ID,
		ScanID:     j.ScanID,
		Status:     j.Status(),
		RetryCount: j.RetryCount,
		Error:      j.LastError,
		CreatedAt:  j.CreatedAt,
	}
	switch st := j.State.(type) {
	case JobProcessing:
		out.AccountID = &st.AccountID
		out.StartedAt = &st.StartedAt
	case JobCompleted:
		out.AccountID = st.AccountID
		out.Result = st.Result
		out.CompletedAt = &st.CompletedAt
	case JobFailed:
		out.AccountID = st.AccountID
		out.CompletedAt = &st.CompletedAt
	}
	return json.Marshal(out)
}

// QueueStats counts jobs per status.
type QueueStats struct {
	Waiting    int `json:"waiting"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
