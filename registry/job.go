// Package registry is the catalog of known jobs: identity, entry point,
// environment binding, active flag and current schedule. It decides nothing
// about when jobs run; the scheduling engine queries it.
package registry

import (
	"time"

	"github.com/cronpilot/cronpilot/schedule"
)

// EnvironmentBinding references the runtime a job executes under.
// An empty InterpreterPath means "use the host default runtime".
type EnvironmentBinding struct {
	InterpreterPath string `json:"interpreter_path,omitempty"`
	ManifestPath    string `json:"manifest_path,omitempty"`
}

// Job is a named, schedulable unit of work.
type Job struct {
	ID         string
	Name       string
	EntryPoint string // command line invoked inside the bound environment
	Schedule   *schedule.Spec
	Env        EnvironmentBinding
	Active     bool

	// Config is the mapping handed to the entry point on each run.
	Config map[string]interface{}

	// TimeoutSeconds bounds one execution; 0 falls back to the
	// scheduler's default timeout.
	TimeoutSeconds int

	// NextRunAt is the next automatic fire time, maintained by the
	// scheduling engine. Nil for manual schedules.
	NextRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeout returns the execution timeout for the job, falling back to the
// supplied default when the job declares none.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(j.TimeoutSeconds) * time.Second
	}
	return def
}
