// Package guard serializes execution attempts per job. At most one attempt
// per job is ever admitted at a time, no matter how many schedule ticks and
// manual triggers race for it.
package guard

import (
	"go.uber.org/zap"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/history"
)

// ErrAlreadyRunning is returned by TryAdmit when the job has an active
// attempt. Rejection is not an error condition for callers; it is the
// normal answer when a job is still busy at its next fire time.
var ErrAlreadyRunning = history.ErrActiveRun

// Guard admits and releases execution attempts. The admission itself is a
// single conditional insert in the run history store, so two simultaneous
// admissions for the same job resolve to exactly one winner without any
// in-process locking.
type Guard struct {
	runs *history.Store
	log  *zap.SugaredLogger
}

// New creates a guard over the run history store.
func New(runs *history.Store, log *zap.SugaredLogger) *Guard {
	return &Guard{runs: runs, log: log}
}

// TryAdmit attempts to claim the job for execution. On success it returns
// the freshly created pending record; when the job already has a pending or
// running attempt it returns ErrAlreadyRunning.
func (g *Guard) TryAdmit(jobID string) (*history.Record, error) {
	rec, err := g.runs.Admit(jobID)
	if err != nil {
		if errors.Is(err, history.ErrActiveRun) {
			g.log.Debugw("Admission rejected, job already active", "job_id", jobID)
		}
		return nil, err
	}
	g.log.Debugw("Admitted run attempt", "job_id", jobID, "attempt_id", rec.AttemptID)
	return rec, nil
}

// IsBusy reports whether the job currently holds an active attempt.
func (g *Guard) IsBusy(jobID string) (bool, error) {
	rec, err := g.runs.Active(jobID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Release clears the job's claim after an attempt that never reached a
// terminal state, marking the stored record failed with the given reason.
// Attempts that finished normally are already terminal and release
// themselves; calling Release on one is a no-op.
func (g *Guard) Release(rec *history.Record, reason string) error {
	active, err := g.runs.Active(rec.JobID)
	if err != nil {
		return errors.Wrapf(err, "failed to check active run for job %s", rec.JobID)
	}
	if active == nil || active.AttemptID != rec.AttemptID {
		return nil
	}

	active.Fail(reason, nil)
	if err := g.runs.Update(active); err != nil {
		return errors.Wrapf(err, "failed to release run %s/%s", rec.JobID, rec.AttemptID)
	}
	g.log.Warnw("Released abandoned run attempt",
		"job_id", rec.JobID, "attempt_id", rec.AttemptID, "reason", reason)
	return nil
}

// ReconcileOrphans fails every attempt left pending or running by a previous
// process. Called once at startup before the scheduler begins admitting new
// work.
func (g *Guard) ReconcileOrphans(reason string) (int, error) {
	orphans, err := g.runs.ListActive()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list orphaned runs")
	}

	reconciled := 0
	for _, rec := range orphans {
		rec.Fail(reason, nil)
		if err := g.runs.Update(rec); err != nil {
			g.log.Errorw("Failed to reconcile orphaned run",
				"job_id", rec.JobID, "attempt_id", rec.AttemptID, "error", err)
			continue
		}
		reconciled++
	}
	if reconciled > 0 {
		g.log.Infow("Reconciled orphaned runs from previous process", "count", reconciled)
	}
	return reconciled, nil
}
