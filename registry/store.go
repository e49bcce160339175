package registry

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/schedule"
)

// ErrNotFound is wrapped by lookups for unknown job ids or names.
var ErrNotFound = errors.New("job not found")

// ErrConcurrencyConflict is returned when a mutation is rejected because the
// job currently has an active (pending or running) attempt.
var ErrConcurrencyConflict = errors.New("job has an active run")

// ErrNameTaken is returned by Upsert when a different job already holds the
// requested name.
var ErrNameTaken = errors.New("job name already taken")

// Store persists jobs in SQLite. Reads may run concurrently; writes are
// serialized by the database.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert registers a job or, when the id already exists, updates its fields.
// Registration is idempotent by id: re-registering preserves created_at and
// leaves run history untouched. A job without an id is assigned one.
func (s *Store) Upsert(job *Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.EntryPoint == "" {
		return errors.New("job entry point is required")
	}
	if job.Schedule == nil {
		job.Schedule = &schedule.Spec{Type: schedule.TypeManual}
	}
	if err := job.Schedule.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	scheduleConfig, err := job.Schedule.MarshalConfig()
	if err != nil {
		return err
	}

	var jobConfig interface{}
	if job.Config != nil {
		data, err := json.Marshal(job.Config)
		if err != nil {
			return errors.Wrap(err, "failed to encode job configuration")
		}
		jobConfig = string(data)
	}

	now := time.Now().UTC()
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (
			id, name, entry_point, schedule_type, schedule_config,
			interpreter_path, manifest_path, config, active, timeout_seconds,
			next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			entry_point = excluded.entry_point,
			schedule_type = excluded.schedule_type,
			schedule_config = excluded.schedule_config,
			interpreter_path = excluded.interpreter_path,
			manifest_path = excluded.manifest_path,
			config = excluded.config,
			active = excluded.active,
			timeout_seconds = excluded.timeout_seconds,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.Name,
		job.EntryPoint,
		string(job.Schedule.Type),
		string(scheduleConfig),
		nullString(job.Env.InterpreterPath),
		nullString(job.Env.ManifestPath),
		jobConfig,
		job.Active,
		job.TimeoutSeconds,
		nullTime(job.NextRunAt),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errors.Wrapf(ErrNameTaken, "%s", job.Name)
		}
		return errors.Wrapf(err, "failed to upsert job %s", job.Name)
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	return s.getBy("id", id)
}

// GetByName retrieves a job by its unique name.
func (s *Store) GetByName(name string) (*Job, error) {
	return s.getBy("name", name)
}

func (s *Store) getBy(column, value string) (*Job, error) {
	query := `
		SELECT id, name, entry_point, schedule_type, schedule_config,
		       interpreter_path, manifest_path, config, active, timeout_seconds,
		       next_run_at, created_at, updated_at
		FROM jobs
		WHERE ` + column + ` = ?
	`

	job, err := scanJob(s.db.QueryRow(query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s=%s", column, value)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// List returns all jobs ordered by name.
func (s *Store) List() ([]*Job, error) {
	return s.list(`SELECT id, name, entry_point, schedule_type, schedule_config,
		interpreter_path, manifest_path, config, active, timeout_seconds,
		next_run_at, created_at, updated_at
		FROM jobs ORDER BY name`)
}

// ListActive returns all active jobs ordered by name.
func (s *Store) ListActive() ([]*Job, error) {
	return s.list(`SELECT id, name, entry_point, schedule_type, schedule_config,
		interpreter_path, manifest_path, config, active, timeout_seconds,
		next_run_at, created_at, updated_at
		FROM jobs WHERE active = 1 ORDER BY name`)
}

// ListDue returns active, automatically scheduled jobs whose next fire time
// is at or before now.
func (s *Store) ListDue(now time.Time) ([]*Job, error) {
	query := `
		SELECT id, name, entry_point, schedule_type, schedule_config,
		       interpreter_path, manifest_path, config, active, timeout_seconds,
		       next_run_at, created_at, updated_at
		FROM jobs
		WHERE active = 1
		  AND schedule_type != 'manual'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		ORDER BY next_run_at
	`
	return s.list(query, now.UTC().Format(time.RFC3339))
}

func (s *Store) list(query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// UpsertSchedule replaces the job's schedule specification. The engine
// recomputes next_run_at on its next tick; stale fire times are cleared here.
func (s *Store) UpsertSchedule(id string, spec *schedule.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	scheduleConfig, err := spec.MarshalConfig()
	if err != nil {
		return err
	}

	return s.update(id, `
		UPDATE jobs
		SET schedule_type = ?, schedule_config = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(spec.Type), string(scheduleConfig), time.Now().UTC().Format(time.RFC3339), id)
}

// UpsertBinding replaces the job's environment binding.
func (s *Store) UpsertBinding(id string, binding EnvironmentBinding) error {
	return s.update(id, `
		UPDATE jobs
		SET interpreter_path = ?, manifest_path = ?, updated_at = ?
		WHERE id = ?`,
		nullString(binding.InterpreterPath), nullString(binding.ManifestPath),
		time.Now().UTC().Format(time.RFC3339), id)
}

// SetActive flips the job's active flag.
func (s *Store) SetActive(id string, active bool) error {
	return s.update(id, `
		UPDATE jobs SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().Format(time.RFC3339), id)
}

// SetNextRun stores the job's next automatic fire time.
func (s *Store) SetNextRun(id string, next *time.Time) error {
	return s.update(id, `
		UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(next), time.Now().UTC().Format(time.RFC3339), id)
}

func (s *Store) update(id, query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrNotFound, "id=%s", id)
	}
	return nil
}

// Delete removes a job and its run history. Deletion is rejected with
// ErrConcurrencyConflict while an attempt is pending or running; the caller
// must wait or cancel first.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin delete")
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM job_runs
		WHERE job_id = ? AND status IN ('pending', 'running')`, id).Scan(&active)
	if err != nil {
		return errors.Wrap(err, "failed to check active runs")
	}
	if active > 0 {
		return errors.Wrapf(ErrConcurrencyConflict, "cannot delete job %s", id)
	}

	result, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrNotFound, "id=%s", id)
	}

	return errors.Wrap(tx.Commit(), "failed to commit delete")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var scheduleType string
	var scheduleConfig, interpreterPath, manifestPath, jobConfig, nextRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.EntryPoint,
		&scheduleType,
		&scheduleConfig,
		&interpreterPath,
		&manifestPath,
		&jobConfig,
		&job.Active,
		&job.TimeoutSeconds,
		&nextRunAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Env.InterpreterPath = interpreterPath.String
	job.Env.ManifestPath = manifestPath.String

	if jobConfig.Valid && jobConfig.String != "" {
		if err := json.Unmarshal([]byte(jobConfig.String), &job.Config); err != nil {
			return nil, errors.Wrapf(err, "stored configuration for job %s is corrupt", job.ID)
		}
	}

	if scheduleConfig.Valid && scheduleConfig.String != "" {
		// Stored specs were validated at registration; reparse against
		// created_at so hourly anchors stay stable.
		created, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
		}
		spec, err := schedule.Parse([]byte(scheduleConfig.String), created)
		if err != nil {
			return nil, errors.Wrapf(err, "stored schedule for job %s is corrupt", job.ID)
		}
		job.Schedule = spec
	} else {
		job.Schedule = &schedule.Spec{Type: schedule.Type(scheduleType)}
	}

	if nextRunAt.Valid {
		t, err := time.Parse(time.RFC3339, nextRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
		}
		job.NextRunAt = &t
	}

	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}

	return &job, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
