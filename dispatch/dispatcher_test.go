package dispatch

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/history"
	cptest "github.com/cronpilot/cronpilot/internal/testing"
	"github.com/cronpilot/cronpilot/logger"
	"github.com/cronpilot/cronpilot/registry"
	"github.com/cronpilot/cronpilot/runlog"
)

type fixture struct {
	dispatcher *Dispatcher
	runs       *history.Store
	logs       *runlog.FileLogger
	env        *environment.Validated
	tasksDir   string
	conn       *sql.DB
}

// newFixture builds a dispatcher whose "interpreter" is /bin/sh, so entry
// points are shell scripts standing in for job code.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := cptest.CreateTestDB(t)
	tasksDir := t.TempDir()
	logs, err := runlog.NewFileLogger(filepath.Join(tasksDir, "logs"), logger.NewTestLogger())
	require.NoError(t, err)

	return &fixture{
		dispatcher: New(history.NewStore(conn), logs, tasksDir, logger.NewTestLogger()),
		runs:       history.NewStore(conn),
		logs:       logs,
		env:        &environment.Validated{Interpreter: "/bin/sh"},
		tasksDir:   tasksDir,
		conn:       conn,
	}
}

func (f *fixture) seedJob(t *testing.T, id, script string) *registry.Job {
	t.Helper()
	name := id + ".sh"
	require.NoError(t, os.WriteFile(filepath.Join(f.tasksDir, name), []byte(script), 0o755))

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.conn.Exec(`
		INSERT INTO jobs (id, name, entry_point, schedule_type, schedule_config,
		                  active, created_at, updated_at)
		VALUES (?, ?, ?, 'manual', '{"type":"manual"}', 1, ?, ?)`,
		id, "job-"+id, name, now, now)
	require.NoError(t, err)

	return &registry.Job{ID: id, Name: "job-" + id, EntryPoint: name}
}

func (f *fixture) admit(t *testing.T, jobID string) *history.Record {
	t.Helper()
	rec, err := f.runs.Admit(jobID)
	require.NoError(t, err)
	return rec
}

func TestDispatchSuccess(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "ok", `#!/bin/sh
cat > /dev/null
echo "starting up"
echo '{"status":"success","message":"done","rows":12}'
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusSuccess, rec.Status)
	assert.Equal(t, "done", rec.Result["message"])
	assert.Equal(t, float64(12), rec.Result["rows"])

	stored, err := f.runs.Get(job.ID, rec.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)

	content, err := f.logs.Read(job.ID, rec.AttemptID, 0)
	require.NoError(t, err)
	assert.Contains(t, content, "starting up")
}

func TestDispatchErrorStatus(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "bad", `#!/bin/sh
cat > /dev/null
echo '{"status":"error","message":"disk full"}'
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Equal(t, "disk full", rec.ErrorMessage)
	assert.Equal(t, "error", rec.Result["status"])
}

func TestDispatchMissingStatusField(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "shapeless", `#!/bin/sh
cat > /dev/null
echo '{"message":"no status here"}'
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "status")
}

func TestDispatchNoResultMapping(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "silent", `#!/bin/sh
cat > /dev/null
echo "plain text only"
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "no result mapping")
}

func TestDispatchLastJSONLineWins(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "chatty", `#!/bin/sh
cat > /dev/null
echo '{"status":"error","message":"interim"}'
echo "progress 50%"
echo '{"status":"success","message":"final"}'
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusSuccess, rec.Status)
	assert.Equal(t, "final", rec.Result["message"])
}

func TestDispatchNonZeroExit(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "crash", `#!/bin/sh
cat > /dev/null
echo "about to crash" >&2
exit 3
`)
	rec := f.admit(t, job.ID)

	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "exited with code 3")

	content, err := f.logs.Read(job.ID, rec.AttemptID, 0)
	require.NoError(t, err)
	assert.Contains(t, content, "about to crash")
}

func TestDispatchTimeout(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "slow", `#!/bin/sh
cat > /dev/null
sleep 5
echo '{"status":"success"}'
`)
	rec := f.admit(t, job.ID)

	start := time.Now()
	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, nil, 1*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, history.StatusTimedOut, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "timeout")
	assert.Less(t, elapsed, 3*time.Second)
	assert.Less(t, rec.Duration(), 3*time.Second)
}

func TestDispatchSpawnFault(t *testing.T) {
	f := newFixture(t)
	job := &registry.Job{ID: "ghost", Name: "ghost", EntryPoint: "ghost.sh"}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.conn.Exec(`
		INSERT INTO jobs (id, name, entry_point, schedule_type, schedule_config,
		                  active, created_at, updated_at)
		VALUES ('ghost', 'ghost', 'ghost.sh', 'manual', '{"type":"manual"}', 1, ?, ?)`,
		now, now)
	require.NoError(t, err)
	rec := f.admit(t, job.ID)

	badEnv := &environment.Validated{Interpreter: "/nonexistent/interpreter"}
	f.dispatcher.Dispatch(context.Background(), job, badEnv, rec, nil, 10*time.Second)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestDispatchPassesConfigOnStdin(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "echoer", `#!/bin/sh
read line
echo "$line"
`)
	rec := f.admit(t, job.ID)

	cfg := map[string]interface{}{"status": "success", "source": "stdin"}
	f.dispatcher.Dispatch(context.Background(), job, f.env, rec, cfg, 10*time.Second)

	// The script echoes its stdin, so the config mapping round trips as
	// the result.
	assert.Equal(t, history.StatusSuccess, rec.Status)
	assert.Equal(t, "stdin", rec.Result["source"])
}

func TestDispatchCancellation(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t, "cancelme", `#!/bin/sh
cat > /dev/null
sleep 30
`)
	rec := f.admit(t, job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	f.dispatcher.Dispatch(ctx, job, f.env, rec, nil, time.Minute)

	assert.Equal(t, history.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "cancelled")
	assert.Less(t, time.Since(start), 5*time.Second)
}
