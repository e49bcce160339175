package commands

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/history"
	cptest "github.com/cronpilot/cronpilot/internal/testing"
)

func seedJobRow(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := conn.Exec(`
		INSERT INTO jobs (id, name, entry_point, schedule_type, schedule_config,
		                  active, created_at, updated_at)
		VALUES (?, ?, 'task.py', 'manual', '{"type":"manual"}', 1, ?, ?)`,
		id, "job-"+id, now, now)
	require.NoError(t, err)
}

func TestResolveAttemptNoRuns(t *testing.T) {
	conn := cptest.CreateTestDB(t)
	seedJobRow(t, conn, "j1")
	runs := history.NewStore(conn)

	attemptFlag = ""
	rec, err := resolveAttempt(runs, "j1")
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrNotFound))
	assert.Contains(t, err.Error(), "no runs recorded")
}

func TestResolveAttemptLatest(t *testing.T) {
	conn := cptest.CreateTestDB(t)
	seedJobRow(t, conn, "j1")
	runs := history.NewStore(conn)

	rec, err := runs.Admit("j1")
	require.NoError(t, err)

	attemptFlag = ""
	got, err := resolveAttempt(runs, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.AttemptID, got.AttemptID)
}

func TestResolveAttemptByPrefix(t *testing.T) {
	conn := cptest.CreateTestDB(t)
	seedJobRow(t, conn, "j1")
	runs := history.NewStore(conn)

	rec, err := runs.Admit("j1")
	require.NoError(t, err)

	attemptFlag = rec.AttemptID[:8]
	defer func() { attemptFlag = "" }()

	got, err := resolveAttempt(runs, "j1")
	require.NoError(t, err)
	assert.Equal(t, rec.AttemptID, got.AttemptID)

	attemptFlag = "zzzzzzzz"
	_, err = resolveAttempt(runs, "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run with attempt id prefix")
}
