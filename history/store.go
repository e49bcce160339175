package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/cronpilot/cronpilot/errors"
)

// ErrActiveRun is returned by Admit when the job already has a pending or
// running attempt.
var ErrActiveRun = errors.New("job already has an active run")

// ErrNotFound is wrapped by lookups for unknown attempts.
var ErrNotFound = errors.New("run record not found")

// timeLayout is a fixed-width RFC3339 variant. Timestamps are compared as
// TEXT in queries, and RFC3339Nano trims trailing fractional zeros, which
// breaks lexicographic ordering within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists run records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new run history store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Admit atomically creates a new pending record for the job. The database's
// partial unique index on active attempts makes the check-and-insert a single
// compare-and-swap: of two simultaneous admissions for the same job, exactly
// one succeeds and the other gets ErrActiveRun.
func (s *Store) Admit(jobID string) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		JobID:     jobID,
		AttemptID: uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO job_runs (job_id, attempt_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.JobID,
		rec.AttemptID,
		rec.Status,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return nil, errors.Wrapf(ErrActiveRun, "job %s", jobID)
			}
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
				return nil, errors.Newf("cannot admit run for unknown job %s", jobID)
			}
		}
		return nil, errors.Wrapf(err, "failed to admit run for job %s", jobID)
	}

	return rec, nil
}

// Update persists a record transition. Terminal records are immutable: the
// write only applies while the stored status is still pending or running.
func (s *Store) Update(rec *Record) error {
	var resultJSON interface{}
	if rec.Result != nil {
		data, err := json.Marshal(rec.Result)
		if err != nil {
			return errors.Wrap(err, "failed to marshal run result")
		}
		resultJSON = string(data)
	}

	result, err := s.db.Exec(`
		UPDATE job_runs
		SET status = ?,
		    started_at = ?,
		    finished_at = ?,
		    result = ?,
		    error_message = ?,
		    log_ref = ?,
		    updated_at = ?
		WHERE job_id = ? AND attempt_id = ?
		  AND status IN ('pending', 'running')`,
		rec.Status,
		nullTime(rec.StartedAt),
		nullTime(rec.FinishedAt),
		resultJSON,
		nullString(rec.ErrorMessage),
		nullString(rec.LogRef),
		time.Now().UTC().Format(timeLayout),
		rec.JobID,
		rec.AttemptID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s/%s", rec.JobID, rec.AttemptID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("run %s/%s is terminal or missing; record not updated", rec.JobID, rec.AttemptID)
	}
	return nil
}

// Get retrieves one attempt.
func (s *Store) Get(jobID, attemptID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(selectColumns+`
		FROM job_runs WHERE job_id = ? AND attempt_id = ?`, jobID, attemptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", jobID, attemptID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run record")
	}
	return rec, nil
}

// Latest returns the newest record for the job, or nil when the job has
// never been attempted.
func (s *Store) Latest(jobID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(selectColumns+`
		FROM job_runs WHERE job_id = ?
		ORDER BY created_at DESC LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest run")
	}
	return rec, nil
}

// Active returns the job's pending or running record, or nil when idle.
func (s *Store) Active(jobID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(selectColumns+`
		FROM job_runs WHERE job_id = ? AND status IN ('pending', 'running')
		LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active run")
	}
	return rec, nil
}

// ListByJob returns up to limit records for the job, newest first.
func (s *Store) ListByJob(jobID string, limit int) ([]*Record, error) {
	rows, err := s.db.Query(selectColumns+`
		FROM job_runs WHERE job_id = ?
		ORDER BY created_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListActive returns every pending or running record across all jobs.
// Used at startup to reconcile attempts orphaned by a previous process.
func (s *Store) ListActive() ([]*Record, error) {
	rows, err := s.db.Query(selectColumns + `
		FROM job_runs WHERE status IN ('pending', 'running')
		ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active runs")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListExpired returns terminal records that finished before the retention
// cutoff. The engine only marks records eligible; physical deletion belongs
// to the storage collaborator.
func (s *Store) ListExpired(olderThan time.Duration, limit int) ([]*Record, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.Query(selectColumns+`
		FROM job_runs
		WHERE status IN ('success', 'failed', 'timed_out', 'environment_error')
		  AND finished_at IS NOT NULL
		  AND finished_at < ?
		ORDER BY finished_at LIMIT ?`,
		cutoff.Format(timeLayout), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired runs")
	}
	defer rows.Close()
	return scanRecords(rows)
}

const selectColumns = `
	SELECT job_id, attempt_id, status, started_at, finished_at,
	       result, error_message, log_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var startedAt, finishedAt, resultJSON, errorMessage, logRef sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.JobID,
		&rec.AttemptID,
		&rec.Status,
		&startedAt,
		&finishedAt,
		&resultJSON,
		&errorMessage,
		&logRef,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse started_at")
		}
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse finished_at")
		}
		rec.FinishedAt = &t
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal run result")
		}
	}
	rec.ErrorMessage = errorMessage.String
	rec.LogRef = logRef.String

	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating run records")
	}
	return records, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
