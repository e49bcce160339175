package guard

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/history"
	cptest "github.com/cronpilot/cronpilot/internal/testing"
	"github.com/cronpilot/cronpilot/logger"
)

func newTestGuard(t *testing.T) (*Guard, *history.Store, *sql.DB) {
	conn := cptest.CreateTestDB(t)
	runs := history.NewStore(conn)
	return New(runs, logger.NewTestLogger()), runs, conn
}

func seedJob(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := conn.Exec(`
		INSERT INTO jobs (id, name, entry_point, schedule_type, schedule_config,
		                  active, created_at, updated_at)
		VALUES (?, ?, 'task.py', 'manual', '{"type":"manual"}', 1, ?, ?)`,
		id, "job-"+id, now, now)
	require.NoError(t, err)
}

func TestTryAdmitThenReject(t *testing.T) {
	g, _, conn := newTestGuard(t)
	seedJob(t, conn, "j1")

	rec, err := g.TryAdmit("j1")
	require.NoError(t, err)
	assert.Equal(t, history.StatusPending, rec.Status)

	_, err = g.TryAdmit("j1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	busy, err := g.IsBusy("j1")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestConcurrentTryAdmit(t *testing.T) {
	g, _, conn := newTestGuard(t)
	seedJob(t, conn, "j1")

	const racers = 10
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.TryAdmit("j1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.Is(err, ErrAlreadyRunning))
		}
	}
	assert.Equal(t, 1, winners)
}

func TestDistinctJobsAdmitIndependently(t *testing.T) {
	g, _, conn := newTestGuard(t)
	seedJob(t, conn, "j1")
	seedJob(t, conn, "j2")

	_, err := g.TryAdmit("j1")
	require.NoError(t, err)
	_, err = g.TryAdmit("j2")
	require.NoError(t, err)
}

func TestReleaseFailsAbandonedAttempt(t *testing.T) {
	g, runs, conn := newTestGuard(t)
	seedJob(t, conn, "j1")

	rec, err := g.TryAdmit("j1")
	require.NoError(t, err)

	require.NoError(t, g.Release(rec, "worker exited before dispatch"))

	stored, err := runs.Get("j1", rec.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, stored.Status)
	assert.Equal(t, "worker exited before dispatch", stored.ErrorMessage)

	// The job is admittable again.
	_, err = g.TryAdmit("j1")
	require.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, runs, conn := newTestGuard(t)
	seedJob(t, conn, "j1")

	rec, err := g.TryAdmit("j1")
	require.NoError(t, err)

	rec.Start()
	rec.Succeed(map[string]interface{}{"status": "success"})
	require.NoError(t, runs.Update(rec))

	// Releasing a finished attempt must not clobber its outcome.
	require.NoError(t, g.Release(rec, "late release"))
	require.NoError(t, g.Release(rec, "late release"))

	stored, err := runs.Get("j1", rec.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, stored.Status)
}

func TestReleaseIgnoresUnrelatedActiveAttempt(t *testing.T) {
	g, runs, conn := newTestGuard(t)
	seedJob(t, conn, "j1")

	first, err := g.TryAdmit("j1")
	require.NoError(t, err)
	first.Start()
	first.Fail("boom", nil)
	require.NoError(t, runs.Update(first))

	second, err := g.TryAdmit("j1")
	require.NoError(t, err)

	// Releasing the stale first attempt must not touch the live second one.
	require.NoError(t, g.Release(first, "stale"))

	stored, err := runs.Get("j1", second.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusPending, stored.Status)
}

func TestReconcileOrphans(t *testing.T) {
	g, runs, conn := newTestGuard(t)
	seedJob(t, conn, "j1")
	seedJob(t, conn, "j2")
	seedJob(t, conn, "j3")

	_, err := g.TryAdmit("j1")
	require.NoError(t, err)

	running, err := g.TryAdmit("j2")
	require.NoError(t, err)
	running.Start()
	require.NoError(t, runs.Update(running))

	done, err := g.TryAdmit("j3")
	require.NoError(t, err)
	done.Start()
	done.Succeed(nil)
	require.NoError(t, runs.Update(done))

	count, err := g.ReconcileOrphans("interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	active, err := runs.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
}
