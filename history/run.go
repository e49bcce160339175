// Package history is the append-only record of every execution attempt.
// It is the source of truth for "is this job currently running": the
// single-active-attempt invariant is enforced here, in the database, by a
// partial unique index that the admission insert rides on.
package history

import (
	"time"
)

// Status represents the lifecycle state of a run attempt.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusSuccess          Status = "success"
	StatusFailed           Status = "failed"
	StatusTimedOut         Status = "timed_out"
	StatusEnvironmentError Status = "environment_error"
)

// Terminal returns true once the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut, StatusEnvironmentError:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the string is a known run status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed,
		StatusTimedOut, StatusEnvironmentError:
		return true
	default:
		return false
	}
}

// Record is one execution attempt of a job. Once terminal it is never
// mutated again.
type Record struct {
	JobID     string `json:"job_id"`
	AttemptID string `json:"attempt_id"`
	Status    Status `json:"status"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Result is the mapping returned by the job, present only for
	// Success and Failed outcomes.
	Result map[string]interface{} `json:"result,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// LogRef identifies the captured output stream; the log collaborator
	// owns the bytes behind it.
	LogRef string `json:"log_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns the wall-clock execution time, zero until terminal.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Start marks the record as running.
func (r *Record) Start() {
	now := time.Now().UTC()
	r.Status = StatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// Succeed marks the record terminal with the job's result mapping.
func (r *Record) Succeed(result map[string]interface{}) {
	r.finish(StatusSuccess)
	r.Result = result
}

// Fail marks the record terminal with an error message and, when the job
// returned one, its result mapping.
func (r *Record) Fail(message string, result map[string]interface{}) {
	r.finish(StatusFailed)
	r.ErrorMessage = message
	r.Result = result
}

// Timeout marks the record terminal after a forced termination.
func (r *Record) Timeout(limit time.Duration) {
	r.finish(StatusTimedOut)
	r.ErrorMessage = "execution exceeded timeout of " + limit.String()
}

// EnvironmentError marks the record terminal for a failure that happened
// before any process was spawned.
func (r *Record) EnvironmentError(err error) {
	r.finish(StatusEnvironmentError)
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

func (r *Record) finish(status Status) {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	r.UpdatedAt = now
}
