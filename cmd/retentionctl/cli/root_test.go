package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retention/internal/users"
	"github.com/odyssey-erp/retention/internal/users/sqlstore"
)

func seedSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	db, err := sqlstore.Open(sqlstore.DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, sqlstore.CreateSchema(ctx, db))

	old := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, sqlstore.New(db).Insert(ctx,
		users.User{ID: 1, Email: "idle@example.com", Name: "Idle", IsActive: true, LastLoginAt: &old, CreatedAt: old},
		users.User{ID: 2, Email: "busy@example.com", Name: "Busy", IsActive: true, LastLoginAt: &recent, CreatedAt: old},
		users.User{ID: 3, Email: "ghost@example.com", Name: "Ghost", IsActive: true, CreatedAt: old},
	))
	return path
}

func setLocalEnv(t *testing.T, dsn string) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("PG_DSN", dsn)
	t.Setenv("JOB_LOCK_BACKEND", "local")
	t.Setenv("RETENTION_WINDOW", "4y")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	stdout := new(bytes.Buffer)
	root.SetOut(stdout)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestPreviewThenRunOnce(t *testing.T) {
	setLocalEnv(t, seedSQLite(t))

	out, err := execute(t, "preview", "--json")
	require.NoError(t, err)
	var preview previewOutput
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	assert.Equal(t, "4y", preview.Retention)
	ids := []int64{}
	for _, u := range preview.Candidates {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []int64{1, 3}, ids)

	out, err = execute(t, "run-once", "--json", "--requested-by", "test")
	require.NoError(t, err)
	var run runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, preview.Cutoff, run.Cutoff)
	assert.ElementsMatch(t, []int64{1, 3}, run.Deactivated)

	out, err = execute(t, "preview")
	require.NoError(t, err)
	assert.Contains(t, out, "0 account(s)")

	out, err = execute(t, "run-once")
	require.NoError(t, err)
	assert.Contains(t, out, "deactivated 0 account(s)")
}

func TestRunOnceFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	_, err := execute(t, "run-once")
	assert.Error(t, err)
}

func TestTriggerAndInspect(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	out, err := execute(t, "inspect", "--json")
	require.NoError(t, err)
	var stats QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, QueueStats{Queue: "maintenance"}, stats)

	out, err = execute(t, "trigger", "--requested-by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued users:deactivate-inactive")

	out, err = execute(t, "trigger", "--requested-by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "already queued")
}

func TestScheduledWithoutWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	out, err := execute(t, "scheduled")
	require.NoError(t, err)
	assert.Contains(t, out, "no cron entries registered")
}
